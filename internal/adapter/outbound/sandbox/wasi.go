// Package sandbox executes policy plugins as WebAssembly modules inside a
// deny-by-default wazero runtime. Plugins get no filesystem, no network,
// and no environment; they read the decision input document from stdin and
// write a verdict document to stdout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sark-gateway/sark/internal/adapter/outbound/cel"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

// Config bounds plugin execution.
type Config struct {
	// MemoryLimitBytes caps linear memory; zero means 16 MiB.
	MemoryLimitBytes int64
	// ExecTimeout caps one evaluation; zero means 2 seconds.
	ExecTimeout time.Duration
	// MaxModuleBytes caps accepted module size; zero means 8 MiB.
	MaxModuleBytes int
}

func (c Config) withDefaults() Config {
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 16 << 20
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Second
	}
	if c.MaxModuleBytes <= 0 {
		c.MaxModuleBytes = 8 << 20
	}
	return c
}

// Host runs plugin modules. One Host is shared by all plugins; each
// evaluation instantiates a fresh module so plugins keep no state between
// calls.
type Host struct {
	runtime wazero.Runtime
	cfg     Config
	logger  *slog.Logger
}

// NewHost creates the sandbox runtime with memory limits applied.
func NewHost(ctx context.Context, cfg Config, logger *slog.Logger) (*Host, error) {
	cfg = cfg.withDefaults()

	// wazero measures memory in 64 KiB pages.
	pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// Only stdio is wired. No filesystem mounts, no env vars, no randomness
	// source beyond the default.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &Host{runtime: r, cfg: cfg, logger: logger}, nil
}

// Close shuts down the runtime, freeing compiled modules.
func (h *Host) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.runtime.Close(ctx)
}

// allowedImportModules lists the module namespaces a plugin may import from.
var allowedImportModules = map[string]struct{}{
	"wasi_snapshot_preview1": {},
}

// wasmMagic is the module preamble.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// pluginVerdict is the document a plugin writes to stdout.
type pluginVerdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	RuleID string `json:"rule_id,omitempty"`
}

// Load validates and compiles a plugin module, returning a policy.Plugin
// whose Evaluate runs the module in the sandbox.
func (h *Host) Load(ctx context.Context, name, version string, priority int, wasm []byte) (policy.Plugin, error) {
	if err := h.validate(ctx, wasm); err != nil {
		return policy.Plugin{}, err
	}

	compiled, err := h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return policy.Plugin{}, gateway.Wrap(gateway.KindSandboxViolation, "plugin compilation failed", err)
	}

	return policy.Plugin{
		Name:     name,
		Version:  version,
		Priority: priority,
		Evaluate: func(ctx context.Context, in policy.Input) (policy.Decision, error) {
			return h.run(ctx, name, compiled, in)
		},
	}, nil
}

// validate rejects modules that are oversized, malformed, or import host
// functions outside the allowed namespaces.
func (h *Host) validate(ctx context.Context, wasm []byte) error {
	if len(wasm) > h.cfg.MaxModuleBytes {
		return gateway.Newf(gateway.KindSandboxViolation,
			"plugin module too large: %d bytes (max %d)", len(wasm), h.cfg.MaxModuleBytes)
	}
	if len(wasm) < len(wasmMagic) || !bytes.Equal(wasm[:len(wasmMagic)], wasmMagic) {
		return gateway.New(gateway.KindSandboxViolation, "plugin is not a wasm module")
	}

	compiled, err := h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return gateway.Wrap(gateway.KindSandboxViolation, "plugin failed validation compile", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	for _, fn := range compiled.ImportedFunctions() {
		module, fnName, ok := fn.Import()
		if !ok {
			continue
		}
		if _, allowed := allowedImportModules[module]; !allowed {
			return gateway.Newf(gateway.KindSandboxViolation,
				"plugin imports forbidden host function %s.%s", module, fnName)
		}
	}
	return nil
}

// run instantiates the compiled module with the input document on stdin and
// parses the verdict from stdout.
func (h *Host) run(ctx context.Context, name string, compiled wazero.CompiledModule, in policy.Input) (policy.Decision, error) {
	execCtx, cancel := context.WithTimeout(ctx, h.cfg.ExecTimeout)
	defer cancel()

	input, err := json.Marshal(cel.BuildActivation(in))
	if err != nil {
		return policy.Decision{}, gateway.Wrap(gateway.KindInternal, "marshal plugin input", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("plugin-%s", name)).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return policy.Decision{}, gateway.Newf(gateway.KindSandboxViolation,
				"plugin %s exceeded execution deadline %v", name, h.cfg.ExecTimeout)
		}
		return policy.Decision{}, gateway.Wrap(gateway.KindSandboxViolation,
			fmt.Sprintf("plugin %s trapped", name), err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stderr.Len() > 0 {
		h.logger.Warn("plugin wrote to stderr", "plugin", name, "stderr", stderr.String())
	}

	var verdict pluginVerdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return policy.Decision{}, gateway.Wrap(gateway.KindSandboxViolation,
			fmt.Sprintf("plugin %s returned malformed verdict", name), err)
	}
	return policy.Decision{
		Allow:  verdict.Allow,
		Reason: verdict.Reason,
		RuleID: verdict.RuleID,
	}, nil
}
