package playbook

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/playbook")

// EngineHooks are optional metric callbacks.
type EngineHooks struct {
	OnChain     func(playbookID, outcome string, duration float64)
	OnDetection func(status string)
}

// Outcome summarizes one detection's trip through the engine.
type Outcome struct {
	Matched      int
	ChainsFailed int
	Ticket       *integration.TicketRef
	Notified     int
}

// Engine evaluates playbooks against detections and interprets matched
// action chains. Playbooks are sorted once at construction; multiple
// playbooks may match the same detection (non-exclusive chaining), and
// a later playbook observes the mutations an earlier one made to the
// detection in the same cycle.
type Engine struct {
	playbooks  []Playbook
	dispatcher *enrich.Dispatcher
	executor   *ticketing.Executor
	sink       *notify.Sink
	logger     log.Logger
	hooks      EngineHooks
}

// NewEngine creates an engine over the given playbooks. Disabled
// playbooks are dropped here: their order slot is skipped entirely.
func NewEngine(pbs []Playbook, dispatcher *enrich.Dispatcher, executor *ticketing.Executor, sink *notify.Sink, logger log.Logger, hooks EngineHooks) (*Engine, error) {
	enabled := make([]Playbook, 0, len(pbs))
	for _, p := range pbs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	SortByOrder(enabled)

	return &Engine{
		playbooks:  enabled,
		dispatcher: dispatcher,
		executor:   executor,
		sink:       sink,
		logger:     logger,
		hooks:      hooks,
	}, nil
}

// Playbooks returns the enabled playbooks in evaluation order.
func (e *Engine) Playbooks() []Playbook {
	out := make([]Playbook, len(e.playbooks))
	copy(out, e.playbooks)
	return out
}

// Process runs every matching playbook's action chain against the
// detection, in ascending order-key order. A chain failure is recorded
// and logged; the remaining playbooks still run. The detection ends in
// StatusDone, or StatusFailed when at least one chain failed. A
// detection matching no playbook reaches StatusDone with no action
// taken, which is not a failure.
func (e *Engine) Process(ctx context.Context, d *detection.Detection) Outcome {
	ctx, span := tracer.Start(ctx, "playbook.Process", trace.WithAttributes(
		attribute.String("warden.detection.id", d.ID),
		attribute.String("warden.detection.source", d.Source),
	))
	defer span.End()

	L := e.logger.With("detection_id", d.ID, "fingerprint", d.Fingerprint, "source", d.Source)

	var out Outcome
	for _, p := range e.playbooks {
		if !p.Trigger.Matches(d) {
			continue
		}
		out.Matched++
		d.Advance(detection.StatusMatched)

		start := time.Now()
		err := e.runChain(ctx, L, d, p, &out)
		dur := time.Since(start).Seconds()

		if err != nil {
			out.ChainsFailed++
			L.Error(ctx, err, "playbook chain failed", "playbook", p.ID)
			e.observeChain(p.ID, "failed", dur)
			continue
		}
		e.observeChain(p.ID, "success", dur)
	}

	if out.ChainsFailed > 0 {
		d.Advance(detection.StatusFailed)
	} else {
		d.Advance(detection.StatusDone)
	}

	span.SetAttributes(
		attribute.Int("warden.playbooks.matched", out.Matched),
		attribute.Int("warden.playbooks.failed", out.ChainsFailed),
		attribute.String("warden.detection.status", string(d.Status)),
	)
	if e.hooks.OnDetection != nil {
		e.hooks.OnDetection(string(d.Status))
	}

	if out.Matched == 0 {
		L.Info(ctx, "no playbook matched, detection done with no action")
	}
	return out
}

// runChain interprets one playbook's action chain in declared order.
// Enrichment partial failures do not fail the chain; a ticketing step
// error does. Notification steps are best-effort by construction.
func (e *Engine) runChain(ctx context.Context, L log.Logger, d *detection.Detection, p Playbook, out *Outcome) error {
	L.Info(ctx, "running playbook", "playbook", p.ID, "actions", len(p.Actions))

	for i, a := range p.Actions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("playbook %s action %d: %w", p.ID, i, err)
		}

		switch a.Kind {
		case ActionEnrich:
			sum, err := e.dispatcher.Dispatch(ctx, d, a.Enrich.Providers)
			if err != nil {
				return fmt.Errorf("playbook %s enrich step: %w", p.ID, err)
			}
			d.Advance(detection.StatusEnriched)
			if sum.Failed > 0 {
				L.Warn(ctx, "enrichment partially failed, continuing",
					"playbook", p.ID, "succeeded", sum.Succeeded, "failed", sum.Failed)
			}

		case ActionTicket:
			ref, err := e.executor.Apply(ctx, d, ticketing.Request{
				Provider: a.Ticket.Provider,
				Escalate: a.Ticket.Escalate,
			})
			if err != nil {
				return fmt.Errorf("playbook %s ticket step: %w", p.ID, err)
			}
			d.Advance(detection.StatusActioned)
			out.Ticket = &ref

		case ActionNotify:
			e.sink.Notify(ctx, a.Notify.Provider, notifyMessage(d, out))
			d.Advance(detection.StatusActioned)
			out.Notified++
		}
	}
	return nil
}

func (e *Engine) observeChain(id, outcome string, duration float64) {
	if e.hooks.OnChain != nil {
		e.hooks.OnChain(id, outcome, duration)
	}
}

func notifyMessage(d *detection.Detection, out *Outcome) integration.Message {
	msg := integration.Message{
		Title:       fmt.Sprintf("[%s] %s", d.Source, d.Name),
		Text:        d.Description,
		Severity:    d.Severity,
		DetectionID: d.ID,
	}
	if out.Ticket != nil {
		msg.TicketID = out.Ticket.ID
	}
	return msg
}
