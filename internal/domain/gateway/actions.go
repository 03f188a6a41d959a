package gateway

// Gateway action names consumed by policies. Callers may submit any
// namespaced action string; these are the ones the gateway itself emits.
const (
	ActionToolInvoke   = "gateway:tool:invoke"
	ActionToolDiscover = "gateway:tool:discover"
	ActionServerList   = "gateway:server:list"
	ActionServerInfo   = "gateway:server:info"
	ActionA2AExecute   = "a2a:execute"
	ActionA2AQuery     = "a2a:query"
	ActionA2ADelegate  = "a2a:delegate"
)
