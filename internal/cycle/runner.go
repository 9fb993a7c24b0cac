package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/normalize"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/cycle")

// ErrCycleRunning is returned when Run is called while a previous cycle
// still holds the lock. The overlapping trigger is skipped, not queued.
var ErrCycleRunning = errors.New("cycle already running")

// DefaultCycleTimeout bounds one cycle end to end when no budget is
// configured. Per-request timeouts bound individual provider calls;
// this bounds the whole batch so a large poll cannot run unbounded.
const DefaultCycleTimeout = 5 * time.Minute

// Summary counts what a single cycle did. It is reported even when
// every detection in the cycle failed.
type Summary struct {
	Polled       int
	Processed    int
	Deduplicated int
	Ticketed     int
	Failed       int
}

// Hooks receives cycle-level events. Nil hooks are skipped.
type Hooks struct {
	OnPoll  func(source, outcome string, events int)
	OnCycle func(outcome string, duration float64, s Summary, stats fpcache.Stats)
}

// Runner drives one full triage pass: poll enabled sources, normalize
// raw events, short-circuit known fingerprints, hand new detections to
// the playbook engine, then flush the cache to disk. CycleTimeout is
// the whole-cycle deadline; in daemon mode it is set to the loop
// interval so a slow cycle winds down instead of eating the next tick.
type Runner struct {
	CycleTimeout time.Duration

	registry   *integration.Registry
	normalizer *normalize.Normalizer
	cache      *fpcache.Cache
	engine     *playbook.Engine
	executor   *ticketing.Executor
	logger     log.Logger
	hooks      Hooks

	mu sync.Mutex // held for the duration of a cycle
}

// NewRunner creates a cycle runner over the given subsystems.
func NewRunner(registry *integration.Registry, normalizer *normalize.Normalizer, cache *fpcache.Cache, engine *playbook.Engine, executor *ticketing.Executor, logger log.Logger, hooks Hooks) *Runner {
	return &Runner{
		CycleTimeout: DefaultCycleTimeout,
		registry:     registry,
		normalizer:   normalizer,
		cache:        cache,
		engine:       engine,
		executor:     executor,
		logger:       logger,
		hooks:        hooks,
	}
}

// Run executes exactly one cycle. Overlapping calls return
// ErrCycleRunning instead of blocking. Per-source and per-detection
// failures are contained; Run itself only fails when the cycle could
// not start.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if !r.mu.TryLock() {
		r.logger.Warn(ctx, "cycle trigger skipped, previous cycle still running")
		return Summary{}, ErrCycleRunning
	}
	defer r.mu.Unlock()

	if r.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CycleTimeout)
		defer cancel()
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "cycle.Run")
	defer span.End()

	var s Summary

	events := r.poll(ctx, &s)
	detections := r.normalizer.NormalizeBatch(ctx, events)

	// Sequential on purpose: playbook order and cache state must be
	// deterministic within a cycle. Fan-out happens inside enrichment.
	for _, d := range detections {
		if err := ctx.Err(); err != nil {
			r.logger.Warn(ctx, "cycle interrupted, abandoning remaining detections",
				"remaining", s.Polled-s.Processed-s.Deduplicated-s.Failed,
			)
			break
		}
		r.handle(ctx, d, &s)
	}

	if err := r.cache.Flush(ctx); err != nil {
		r.logger.Warn(ctx, "cache flush failed", "error", err)
	}

	outcome := "success"
	if err := ctx.Err(); err != nil {
		outcome = "interrupted"
	}
	stats := r.cache.Snapshot()
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int("warden.cycle.polled", s.Polled),
		attribute.Int("warden.cycle.processed", s.Processed),
		attribute.Int("warden.cycle.deduplicated", s.Deduplicated),
		attribute.Int("warden.cycle.failed", s.Failed),
	)
	if outcome != "success" {
		span.SetStatus(codes.Error, "cycle interrupted")
	}
	if r.hooks.OnCycle != nil {
		r.hooks.OnCycle(outcome, duration.Seconds(), s, stats)
	}

	r.logger.Info(ctx, "cycle finished",
		"outcome", outcome,
		"polled", s.Polled,
		"processed", s.Processed,
		"deduplicated", s.Deduplicated,
		"ticketed", s.Ticketed,
		"failed", s.Failed,
		"cache_entries", stats.Entries,
		"duration_ms", duration.Milliseconds(),
	)
	return s, nil
}

// poll gathers raw events from every enabled detection source. A
// failing source is skipped for this cycle.
func (r *Runner) poll(ctx context.Context, s *Summary) []integration.RawEvent {
	var events []integration.RawEvent
	for _, src := range r.registry.EnabledSources() {
		evs, err := src.Poll(ctx)
		if err != nil {
			r.logger.Warn(ctx, "source poll failed, skipping for this cycle",
				"source", src.Name(),
				"error", err,
			)
			r.observePoll(src.Name(), "error", 0)
			continue
		}
		r.observePoll(src.Name(), "success", len(evs))
		events = append(events, evs...)
	}
	s.Polled = len(events)
	return events
}

// handle routes one detection: known fingerprints take the duplicate
// fast path, everything else goes through the playbook engine.
func (r *Runner) handle(ctx context.Context, d *detection.Detection, s *Summary) {
	L := r.logger.With(
		"detection_id", d.ID,
		"source", d.Source,
		"fingerprint", d.Fingerprint,
	)

	if entry, ok := r.cache.Lookup(d.Fingerprint); ok {
		s.Deduplicated++
		if err := r.executor.AppendDuplicate(ctx, d, entry); err != nil {
			L.Warn(ctx, "duplicate note append failed", "error", err)
		}
		r.cache.Record(d.Fingerprint, nil)
		d.Advance(detection.StatusDone)
		L.Info(ctx, "duplicate detection suppressed", "hits", entry.Hits+1)
		return
	}

	out := r.engine.Process(ctx, d)

	// A failed chain that produced no ticket leaves no cache entry:
	// the next occurrence must retry from scratch instead of being
	// suppressed against a ticketless entry for the whole window.
	// Successful detections are recorded even without a ticket so a
	// recurring detection is not reprocessed.
	if d.Status != detection.StatusFailed || out.Ticket != nil {
		r.cache.Record(d.Fingerprint, out.Ticket)
	}

	if out.Ticket != nil {
		s.Ticketed++
	}
	if d.Status == detection.StatusFailed {
		s.Failed++
		return
	}
	s.Processed++
}

func (r *Runner) observePoll(source, outcome string, events int) {
	if r.hooks.OnPoll != nil {
		r.hooks.OnPoll(source, outcome, events)
	}
}

// Loop runs cycles at a fixed interval until ctx is cancelled. The
// in-flight cycle observes the cancellation and winds down before Loop
// returns.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "daemon loop started", "interval", interval.String())
	for {
		if _, err := r.Run(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
			r.logger.Error(ctx, err, "cycle failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "daemon loop stopped")
			return
		case <-ticker.C:
		}
	}
}
