// Package service contains the orchestration layer: policy evaluation,
// authorization, invocation, audit recording, budget accounting, and the
// SIEM forwarder worker.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	celgo "github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	celeval "github.com/sark-gateway/sark/internal/adapter/outbound/cel"
	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

type compiledRule struct {
	rule policy.Rule
	prg  celgo.Program
}

type compiledPackage struct {
	name  string
	rules []compiledRule
}

type compiledBundle struct {
	version     int
	contentHash string
	salientKeys []string
	packages    []compiledPackage
}

// CELPolicyEngine evaluates rule bundles compiled to CEL programs. The
// active bundle lives in an atomic snapshot so evaluation never takes a
// lock; Reload compiles a fresh snapshot and swaps it in.
type CELPolicyEngine struct {
	evaluator *celeval.Evaluator
	store     policy.BundleStore
	plugins   *policy.PluginRegistry
	changeLog policy.ChangeLog
	logger    *slog.Logger
	snapshot  atomic.Value // *compiledBundle
}

// NewCELPolicyEngine creates the engine and loads the active bundle.
func NewCELPolicyEngine(ctx context.Context, evaluator *celeval.Evaluator, store policy.BundleStore, plugins *policy.PluginRegistry, changeLog policy.ChangeLog, logger *slog.Logger) (*CELPolicyEngine, error) {
	e := &CELPolicyEngine{
		evaluator: evaluator,
		store:     store,
		plugins:   plugins,
		changeLog: changeLog,
		logger:    logger,
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload fetches the active bundle, compiles every rule condition, and
// swaps the snapshot. A failed reload leaves the previous snapshot serving.
func (e *CELPolicyEngine) Reload(ctx context.Context) error {
	bundle, err := e.store.GetActiveBundle(ctx)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, "load policy bundle", err)
	}
	if bundle == nil {
		return gateway.New(gateway.KindInternal, "no active policy bundle")
	}

	compiled, err := e.compile(bundle)
	if err != nil {
		return err
	}
	e.snapshot.Store(compiled)

	if e.changeLog != nil {
		rec := policy.ChangeRecord{
			Kind:        policy.ChangeActivated,
			Version:     compiled.version,
			Actor:       "system",
			ContentHash: compiled.contentHash,
			Timestamp:   time.Now().UTC(),
		}
		if err := e.changeLog.Record(ctx, rec); err != nil {
			e.logger.Warn("recording policy activation failed", "error", err)
		}
	}
	e.logger.Info("policy bundle loaded",
		"bundle", bundle.Name,
		"version", compiled.version,
		"packages", len(compiled.packages),
		"content_hash", compiled.contentHash)
	return nil
}

func (e *CELPolicyEngine) compile(bundle *policy.Bundle) (*compiledBundle, error) {
	hash, err := bundleContentHash(bundle)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "hash policy bundle", err)
	}

	out := &compiledBundle{
		version:     bundle.Version,
		contentHash: hash,
		salientKeys: bundle.SalientContextKeys,
	}
	for _, pkg := range bundle.Packages {
		cp := compiledPackage{name: pkg.Name}
		rules := make([]policy.Rule, len(pkg.Rules))
		copy(rules, pkg.Rules)
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
		for _, rule := range rules {
			prg, err := e.evaluator.Compile(rule.Condition)
			if err != nil {
				return nil, gateway.Wrap(gateway.KindValidation,
					fmt.Sprintf("rule %s in package %s failed to compile", rule.ID, pkg.Name), err)
			}
			cp.rules = append(cp.rules, compiledRule{rule: rule, prg: prg})
		}
		out.packages = append(out.packages, cp)
	}
	return out, nil
}

// BundleVersion returns the active bundle's version and content hash.
func (e *CELPolicyEngine) BundleVersion() (int, string) {
	snap, _ := e.snapshot.Load().(*compiledBundle)
	if snap == nil {
		return 0, ""
	}
	return snap.version, snap.contentHash
}

// SalientContextKeys returns the context keys the bundle declares as
// decision-relevant.
func (e *CELPolicyEngine) SalientContextKeys() []string {
	snap, _ := e.snapshot.Load().(*compiledBundle)
	if snap == nil {
		return nil
	}
	return snap.salientKeys
}

// Evaluate composes the per-package verdicts conjunctively, then runs the
// plugin chain. Any error fails closed at the caller.
func (e *CELPolicyEngine) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	snap, _ := e.snapshot.Load().(*compiledBundle)
	if snap == nil {
		return policy.Decision{}, gateway.New(gateway.KindInternal, "policy engine has no loaded bundle")
	}

	decision := policy.Decision{Allow: true}
	var denyReasons []string
	var directives []filter.Directive

	for _, pkg := range snap.packages {
		verdict, matched, err := e.evaluatePackage(ctx, pkg, in)
		if err != nil {
			return policy.Decision{}, err
		}
		if !matched {
			continue
		}
		switch verdict.rule.Effect {
		case policy.EffectDeny:
			decision.Allow = false
			if verdict.rule.Reason != "" {
				denyReasons = append(denyReasons, verdict.rule.Reason)
			}
			if decision.RuleID == "" {
				decision.RuleID = verdict.rule.ID
			}
		case policy.EffectApprovalNeeded:
			decision.RequiresApproval = true
			if decision.RuleID == "" {
				decision.RuleID = verdict.rule.ID
			}
		case policy.EffectAllow:
			directives = append(directives, verdict.rule.FilterDirectives...)
			if decision.RuleID == "" {
				decision.RuleID = verdict.rule.ID
			}
		}
		// The most restrictive TTL override wins; zero forbids caching.
		if verdict.rule.CacheTTLSeconds != nil {
			ttl := time.Duration(*verdict.rule.CacheTTLSeconds) * time.Second
			if decision.CacheTTLOverride == nil || ttl < *decision.CacheTTLOverride {
				decision.CacheTTLOverride = &ttl
			}
		}
	}

	if !decision.Allow {
		decision.Reason = strings.Join(denyReasons, "; ")
		if decision.Reason == "" {
			decision.Reason = "denied by policy"
		}
		return decision, nil
	}
	decision.FilterDirectives = directives
	if decision.Reason == "" {
		decision.Reason = "allowed by policy"
	}

	return e.runPlugins(ctx, in, decision)
}

// evaluatePackage returns the first matching rule in priority order.
// A package with no matching rule abstains.
func (e *CELPolicyEngine) evaluatePackage(ctx context.Context, pkg compiledPackage, in policy.Input) (compiledRule, bool, error) {
	for _, cr := range pkg.rules {
		if !actionMatches(cr.rule.ActionMatch, in.Action) {
			continue
		}
		ok, err := e.evaluator.Evaluate(ctx, cr.prg, in)
		if err != nil {
			return compiledRule{}, false, gateway.Wrap(gateway.KindInternal,
				fmt.Sprintf("rule %s in package %s failed to evaluate", cr.rule.ID, pkg.name), err)
		}
		if ok {
			return cr, true, nil
		}
	}
	return compiledRule{}, false, nil
}

// runPlugins executes the plugin chain highest priority first. The first
// deny short-circuits; plugin errors fail closed.
func (e *CELPolicyEngine) runPlugins(ctx context.Context, in policy.Input, decision policy.Decision) (policy.Decision, error) {
	if e.plugins == nil {
		return decision, nil
	}
	for _, p := range e.plugins.Ordered() {
		verdict, err := p.Evaluate(ctx, in)
		if err != nil {
			return policy.Decision{}, gateway.Wrap(gateway.KindInternal,
				fmt.Sprintf("plugin %s failed", p.Name), err)
		}
		if !verdict.Allow {
			verdict.FilterDirectives = nil
			if verdict.Reason == "" {
				verdict.Reason = fmt.Sprintf("denied by plugin %s", p.Name)
			}
			return verdict, nil
		}
		decision.FilterDirectives = append(decision.FilterDirectives, verdict.FilterDirectives...)
	}
	return decision, nil
}

// actionMatches globs the rule's action pattern over the request action.
// An empty pattern matches everything.
func actionMatches(pattern, action string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, action)
	return err == nil && ok
}

// bundleContentHash is the SHA-256 hex of the canonicalized bundle packages.
func bundleContentHash(b *policy.Bundle) (string, error) {
	raw, err := json.Marshal(struct {
		Name     string           `json:"name"`
		Version  int              `json:"version"`
		Packages []policy.Package `json:"packages"`
	}{b.Name, b.Version, b.Packages})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

var _ policy.Engine = (*CELPolicyEngine)(nil)
