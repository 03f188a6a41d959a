// Package siem contains the sink contract and wire envelopes for forwarding
// audit events to downstream SIEM backends.
package siem

import (
	"context"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// Envelope pairs an audit event with its audit id for shipment.
type Envelope struct {
	// AuditID is the stored event id.
	AuditID string
	// Event is the full audit event.
	Event audit.Event
}

// Sink ships one batch of envelopes to a SIEM backend. Implementations own
// compression, authentication headers, and the per-sink wire format.
type Sink interface {
	// Name identifies the sink for metrics and logs.
	Name() string
	// Send ships one batch; an error marks the whole batch as failed.
	Send(ctx context.Context, batch []Envelope) error
}

// SinkStats is the per-sink metric snapshot.
type SinkStats struct {
	EventsSent    int64
	EventsFailed  int64
	BatchesSent   int64
	BatchesFailed int64
	Retries       int64
	LastSuccess   time.Time
	LastFailure   time.Time
	// ErrorKinds histograms failures by error kind string.
	ErrorKinds map[string]int64
}

// Outbox durably preserves batches that exhausted their retries so no event
// is silently lost.
type Outbox interface {
	// Preserve stores a failed batch for later replay.
	Preserve(ctx context.Context, sink string, batch []Envelope) error
	// Replay returns up to n preserved batches for a sink and removes them.
	Replay(ctx context.Context, sink string, n int) ([][]Envelope, error)
}

// SplunkSourcetype is the HEC sourcetype for gateway events.
const SplunkSourcetype = "sark:gateway"

// SplunkSource is the HEC source field for gateway events.
const SplunkSource = "sark-api"

// SplunkEnvelope is the per-event HEC wrapper.
type SplunkEnvelope struct {
	Time       float64        `json:"time"`
	Sourcetype string         `json:"sourcetype"`
	Source     string         `json:"source"`
	Event      audit.Event    `json:"event"`
	Fields     map[string]any `json:"fields"`
}

// NewSplunkEnvelope wraps one audit envelope in HEC format.
func NewSplunkEnvelope(e Envelope) SplunkEnvelope {
	return SplunkEnvelope{
		Time:       float64(e.Event.Timestamp.UnixNano()) / float64(time.Second),
		Sourcetype: SplunkSourcetype,
		Source:     SplunkSource,
		Event:      e.Event,
		Fields:     map[string]any{"audit_id": e.AuditID},
	}
}
