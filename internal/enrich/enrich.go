// Package enrich fans a detection out to context-capable integrations
// and merges whatever came back. A slow or broken provider costs its
// own timeout, never the cycle: failures become partial-failure markers
// on the detection and everything else proceeds.
package enrich

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/integration"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/enrich")

const (
	// DefaultTimeout bounds one provider request.
	DefaultTimeout = 15 * time.Second

	// maxConcurrent bounds the provider fan-out per dispatch.
	maxConcurrent = 4
)

// Hooks are optional metric callbacks, invoked per provider request.
type Hooks struct {
	OnEnrich func(provider, outcome string, duration float64)
}

// Summary reports one dispatch: how many providers contributed context
// and how many were recorded as partial failures.
type Summary struct {
	Succeeded int
	Failed    int
}

// Dispatcher issues enrichment requests against the registry.
type Dispatcher struct {
	registry *integration.Registry
	logger   log.Logger
	timeout  time.Duration
	hooks    Hooks
}

// New creates a dispatcher. timeout <= 0 selects DefaultTimeout.
func New(registry *integration.Registry, logger log.Logger, timeout time.Duration, hooks Hooks) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		timeout:  timeout,
		hooks:    hooks,
	}
}

// Dispatch requests context from each named provider, each bounded by
// an independent timeout, and merges successful results into the
// detection's enrichment map keyed by provider name. Providers run
// concurrently; results are merged after the fan-in so the map mutation
// is single-threaded and conflict-free. A provider failure or timeout
// is recorded against that provider only. The returned error is
// non-nil only when the surrounding cycle was canceled.
func (dp *Dispatcher) Dispatch(ctx context.Context, d *detection.Detection, providers []string) (Summary, error) {
	ctx, span := tracer.Start(ctx, "enrich.Dispatch", trace.WithAttributes(
		attribute.String("warden.detection.id", d.ID),
		attribute.Int("warden.enrich.providers", len(providers)),
	))
	defer span.End()

	L := dp.logger.With("detection_id", d.ID, "fingerprint", d.Fingerprint)

	results := make([]*detection.ContextResult, len(providers))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, name := range providers {
		i, name := i, name
		g.Go(func() error {
			results[i] = dp.enrichOne(ctx, L, d, name)
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for _, res := range results {
		if res == nil {
			continue
		}
		d.AddContext(res)
		if res.Failed {
			sum.Failed++
		} else {
			sum.Succeeded++
		}
	}

	span.SetAttributes(
		attribute.Int("warden.enrich.succeeded", sum.Succeeded),
		attribute.Int("warden.enrich.failed", sum.Failed),
	)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return sum, err
	}
	return sum, nil
}

// enrichOne runs a single provider request under its own timeout and
// always returns a result: data on success, a partial-failure marker
// otherwise.
func (dp *Dispatcher) enrichOne(ctx context.Context, L log.Logger, d *detection.Detection, name string) *detection.ContextResult {
	start := time.Now()
	res := &detection.ContextResult{Provider: name, RetrievedAt: start}

	provider, ok := dp.registry.Provider(name)
	if !ok {
		res.Failed = true
		res.FailReason = "provider not enabled"
		L.Warn(ctx, "enrichment provider unavailable", "provider", name)
		dp.observe(name, "unavailable", start)
		return res
	}

	rctx, cancel := context.WithTimeout(ctx, dp.timeout)
	defer cancel()

	data, err := provider.Enrich(rctx, d)
	if err != nil {
		res.Failed = true
		res.FailReason = err.Error()
		outcome := "error"
		if rctx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
		}
		L.Warn(ctx, "enrichment failed, proceeding with partial context",
			"provider", name, "outcome", outcome, "error", err)
		dp.observe(name, outcome, start)
		return res
	}

	res.Data = data
	dp.observe(name, "success", start)
	return res
}

func (dp *Dispatcher) observe(provider, outcome string, start time.Time) {
	if dp.hooks.OnEnrich != nil {
		dp.hooks.OnEnrich(provider, outcome, time.Since(start).Seconds())
	}
}
