package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sark-gateway/sark/internal/domain/siem"
)

// SIEMForwarder drains audit envelopes from a bounded queue into every
// configured sink. A full queue drops the oldest event so fresh events keep
// flowing; batches that exhaust their retries land in the durable outbox.
type SIEMForwarder struct {
	sinks   []siem.Sink
	outbox  siem.Outbox
	metrics *Metrics
	logger  *slog.Logger

	queue chan siem.Envelope
	wg    sync.WaitGroup
	once  sync.Once

	queueSize       int
	batchSize       int
	flushInterval   time.Duration
	maxRetries      int
	fastThreshold   int // queue depth percent triggering fast flush
	breakerFailures uint32
	breakerCooldown time.Duration
	backoffBase     float64
	backoffCap      time.Duration

	breakers  map[string]*gobreaker.CircuitBreaker
	dropCount atomic.Int64

	statsMu sync.Mutex
	stats   map[string]*siem.SinkStats
}

// ForwarderOption configures SIEMForwarder.
type ForwarderOption func(*SIEMForwarder)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(size int) ForwarderOption {
	return func(f *SIEMForwarder) {
		f.queueSize = size
	}
}

// WithForwarderBatchSize sets the number of envelopes per batch.
func WithForwarderBatchSize(size int) ForwarderOption {
	return func(f *SIEMForwarder) {
		f.batchSize = size
	}
}

// WithForwarderFlushInterval sets the drain interval for partial batches.
func WithForwarderFlushInterval(interval time.Duration) ForwarderOption {
	return func(f *SIEMForwarder) {
		f.flushInterval = interval
	}
}

// WithForwarderRetries sets the per-batch retry budget.
func WithForwarderRetries(n int) ForwarderOption {
	return func(f *SIEMForwarder) {
		f.maxRetries = n
	}
}

// WithForwarderBreaker sets the consecutive-failure threshold and cooldown
// of the per-sink circuit breaker.
func WithForwarderBreaker(failures int, cooldown time.Duration) ForwarderOption {
	return func(f *SIEMForwarder) {
		if failures > 0 {
			f.breakerFailures = uint32(failures)
		}
		if cooldown > 0 {
			f.breakerCooldown = cooldown
		}
	}
}

// WithForwarderBackoff sets the retry backoff growth factor and the cap on
// a single backoff sleep.
func WithForwarderBackoff(base float64, cap time.Duration) ForwarderOption {
	return func(f *SIEMForwarder) {
		if base > 1 {
			f.backoffBase = base
		}
		if cap > 0 {
			f.backoffCap = cap
		}
	}
}

// WithFastFlushThreshold sets the queue depth percent that switches the
// worker to a quarter-interval flush. Zero disables fast flush.
func WithFastFlushThreshold(percent int) ForwarderOption {
	return func(f *SIEMForwarder) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		f.fastThreshold = percent
	}
}

// NewSIEMForwarder creates the forwarder. outbox may be nil; failed batches
// are then only logged.
func NewSIEMForwarder(sinks []siem.Sink, outbox siem.Outbox, metrics *Metrics, logger *slog.Logger, opts ...ForwarderOption) *SIEMForwarder {
	f := &SIEMForwarder{
		sinks:           sinks,
		outbox:          outbox,
		metrics:         metrics,
		logger:          logger,
		queueSize:       10000,
		batchSize:       100,
		flushInterval:   5 * time.Second,
		maxRetries:      3,
		fastThreshold:   80,
		breakerFailures: 5,
		breakerCooldown: 60 * time.Second,
		backoffBase:     2.0,
		backoffCap:      60 * time.Second,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
		stats:           make(map[string]*siem.SinkStats),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.queue = make(chan siem.Envelope, f.queueSize)

	failures := f.breakerFailures
	for _, sink := range sinks {
		name := sink.Name()
		f.stats[name] = &siem.SinkStats{ErrorKinds: make(map[string]int64)}
		f.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("siem-%s", name),
			Timeout: f.breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("siem sink circuit state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return f
}

// Enqueue adds one envelope without blocking. When the queue is full, the
// oldest queued event is discarded to make room.
func (f *SIEMForwarder) Enqueue(env siem.Envelope) {
	for {
		select {
		case f.queue <- env:
			if f.metrics != nil {
				f.metrics.SiemQueueDepth.Set(float64(len(f.queue)))
			}
			return
		default:
		}
		// Queue full: evict the oldest and retry.
		select {
		case <-f.queue:
			drops := f.dropCount.Add(1)
			if f.metrics != nil {
				f.metrics.SiemEventsDropped.Inc()
			}
			if drops == 1 || drops%1000 == 0 {
				f.logger.Warn("siem queue full, dropping oldest events", "total_drops", drops)
			}
		default:
		}
	}
}

// DroppedEvents returns the total events evicted from the queue.
func (f *SIEMForwarder) DroppedEvents() int64 {
	return f.dropCount.Load()
}

// QueueDepth returns the current queue occupancy.
func (f *SIEMForwarder) QueueDepth() int {
	return len(f.queue)
}

// Stats returns a snapshot of the per-sink counters.
func (f *SIEMForwarder) Stats() map[string]siem.SinkStats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	out := make(map[string]siem.SinkStats, len(f.stats))
	for name, s := range f.stats {
		snap := *s
		snap.ErrorKinds = make(map[string]int64, len(s.ErrorKinds))
		for k, v := range s.ErrorKinds {
			snap.ErrorKinds[k] = v
		}
		out[name] = snap
	}
	return out
}

// Start launches the drain worker.
func (f *SIEMForwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.worker(ctx)
}

// Stop closes the queue and waits for the final flush.
func (f *SIEMForwarder) Stop() {
	f.once.Do(func() {
		close(f.queue)
	})
	f.wg.Wait()
}

func (f *SIEMForwarder) worker(ctx context.Context) {
	defer f.wg.Done()

	batch := make([]siem.Envelope, 0, f.batchSize)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()
	fastMode := false

	for {
		select {
		case env, ok := <-f.queue:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					f.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, env)
			if f.metrics != nil {
				f.metrics.SiemQueueDepth.Set(float64(len(f.queue)))
			}
			if len(batch) >= f.batchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}

			// Under pressure, flush partial batches four times as often.
			if f.fastThreshold > 0 {
				depthPercent := len(f.queue) * 100 / f.queueSize
				if depthPercent >= f.fastThreshold && !fastMode {
					ticker.Reset(f.flushInterval / 4)
					fastMode = true
				} else if depthPercent < f.fastThreshold && fastMode {
					ticker.Reset(f.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
			f.replayOutbox(ctx)

		case <-ctx.Done():
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				f.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush ships the batch to every sink independently; one sink failing never
// blocks the others.
func (f *SIEMForwarder) flush(ctx context.Context, batch []siem.Envelope) {
	// The batch slice is reused by the worker; sinks get a stable copy.
	stable := make([]siem.Envelope, len(batch))
	copy(stable, batch)

	for _, sink := range f.sinks {
		f.sendToSink(ctx, sink, stable)
	}
}

func (f *SIEMForwarder) sendToSink(ctx context.Context, sink siem.Sink, batch []siem.Envelope) {
	name := sink.Name()
	breaker := f.breakers[name]

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.backoff(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = f.maxRetries + 1
			}
			f.recordRetry(name)
		}
		if attempt > f.maxRetries {
			break
		}

		_, err := breaker.Execute(func() (any, error) {
			return nil, sink.Send(ctx, batch)
		})
		if err == nil {
			f.recordSuccess(name, len(batch))
			return
		}
		lastErr = err
		f.recordFailure(name, len(batch), err)
	}

	f.logger.Error("siem batch delivery failed, preserving to outbox",
		"sink", name, "events", len(batch), "error", lastErr)
	if f.outbox != nil {
		if err := f.outbox.Preserve(ctx, name, batch); err != nil {
			f.logger.Error("preserving siem batch failed, events lost",
				"sink", name, "events", len(batch), "error", err)
			return
		}
		if f.metrics != nil {
			f.metrics.SiemOutboxed.WithLabelValues(name).Inc()
		}
	}
}

// replayOutbox retries previously preserved batches while the sink circuit
// is closed.
func (f *SIEMForwarder) replayOutbox(ctx context.Context) {
	if f.outbox == nil {
		return
	}
	for _, sink := range f.sinks {
		name := sink.Name()
		if f.breakers[name].State() != gobreaker.StateClosed {
			continue
		}
		batches, err := f.outbox.Replay(ctx, name, 4)
		if err != nil {
			f.logger.Warn("siem outbox replay failed", "sink", name, "error", err)
			continue
		}
		for _, batch := range batches {
			if err := sink.Send(ctx, batch); err != nil {
				f.recordFailure(name, len(batch), err)
				if perr := f.outbox.Preserve(ctx, name, batch); perr != nil {
					f.logger.Error("re-preserving siem batch failed, events lost",
						"sink", name, "events", len(batch), "error", perr)
				}
				continue
			}
			f.recordSuccess(name, len(batch))
		}
	}
}

func (f *SIEMForwarder) recordSuccess(name string, events int) {
	if f.metrics != nil {
		f.metrics.SiemBatches.WithLabelValues(name, "sent").Inc()
	}
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	s := f.stats[name]
	s.EventsSent += int64(events)
	s.BatchesSent++
	s.LastSuccess = time.Now().UTC()
}

func (f *SIEMForwarder) recordFailure(name string, events int, err error) {
	if f.metrics != nil {
		f.metrics.SiemBatches.WithLabelValues(name, "failed").Inc()
	}
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	s := f.stats[name]
	s.EventsFailed += int64(events)
	s.BatchesFailed++
	s.LastFailure = time.Now().UTC()
	s.ErrorKinds[errorKindLabel(err)]++
}

// backoff returns the exponential sleep before retry attempt, capped.
func (f *SIEMForwarder) backoff(attempt int) time.Duration {
	d := time.Duration(float64(time.Second) * math.Pow(f.backoffBase, float64(attempt-1)))
	if d > f.backoffCap || d <= 0 {
		d = f.backoffCap
	}
	return d
}

func (f *SIEMForwarder) recordRetry(name string) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.stats[name].Retries++
}

func errorKindLabel(err error) string {
	if err == nil {
		return "none"
	}
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return "circuit_open"
	default:
		return "send_failed"
	}
}
