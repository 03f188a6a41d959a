package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/siem"
)

// Forwarder receives audit envelopes for asynchronous SIEM shipment.
type Forwarder interface {
	Enqueue(env siem.Envelope)
}

// AuditRecorder writes audit events synchronously to the durable store,
// keeps a bounded in-memory ring of recent events for fast inspection, and
// hands each stored event to the SIEM forwarder.
type AuditRecorder struct {
	store     audit.Store
	forwarder Forwarder
	metrics   *Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	ring     []audit.Event
	ringNext int
	ringSize int
}

// NewAuditRecorder creates a recorder retaining ringSize recent events
// (default 256). forwarder may be nil.
func NewAuditRecorder(store audit.Store, forwarder Forwarder, metrics *Metrics, logger *slog.Logger, ringSize int) *AuditRecorder {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &AuditRecorder{
		store:     store,
		forwarder: forwarder,
		metrics:   metrics,
		logger:    logger,
		ring:      make([]audit.Event, 0, ringSize),
		ringSize:  ringSize,
	}
}

// Record fills event identity fields, computes the integrity hash, and
// writes durably. The write is synchronous: an authorization or invocation
// is not complete until its audit event is stored.
func (r *AuditRecorder) Record(ctx context.Context, e audit.Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	hash, err := e.ComputeIntegrityHash()
	if err != nil {
		return "", gateway.Wrap(gateway.KindInternal, "compute audit integrity hash", err)
	}
	e.IntegrityHash = hash

	if err := r.store.Append(ctx, e); err != nil {
		if r.metrics != nil {
			r.metrics.AuditWrites.WithLabelValues("error").Inc()
		}
		return "", err
	}
	if r.metrics != nil {
		r.metrics.AuditWrites.WithLabelValues("ok").Inc()
	}

	r.remember(e)
	if r.forwarder != nil {
		r.forwarder.Enqueue(siem.Envelope{AuditID: e.ID, Event: e})
	}
	return e.ID, nil
}

func (r *AuditRecorder) remember(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) < r.ringSize {
		r.ring = append(r.ring, e)
		return
	}
	r.ring[r.ringNext] = e
	r.ringNext = (r.ringNext + 1) % r.ringSize
}

// RecentCached returns up to n recent events from the in-memory ring,
// newest first, without touching the store.
func (r *AuditRecorder) RecentCached(n int) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.ring) {
		n = len(r.ring)
	}
	// Newest sits just before ringNext once the ring is full, at the end
	// while it is still growing.
	newest := len(r.ring) - 1
	if len(r.ring) == r.ringSize {
		newest = (r.ringNext - 1 + r.ringSize) % r.ringSize
	}
	out := make([]audit.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.ring[(newest-i+len(r.ring))%len(r.ring)])
	}
	return out
}

// Recent reads the last n events from the durable store.
func (r *AuditRecorder) Recent(ctx context.Context, n int, verify bool) ([]audit.Event, error) {
	return r.store.Recent(ctx, n, verify)
}
