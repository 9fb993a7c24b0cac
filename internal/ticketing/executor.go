// Package ticketing drives ticket creation, note appends and queue
// escalation against a ticketing provider, with the fingerprint cache
// as the idempotency ledger: at most one ticket is created per active
// fingerprint, recurring detections append to the linked ticket.
package ticketing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/integration"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/ticketing")

const (
	// maxTries bounds retries against a flaky backend before the
	// playbook chain is marked failed.
	maxTries = 4

	initialRetryInterval = 500 * time.Millisecond
)

// Defaults are the per-provider ticket creation defaults from
// integrations.<name>.ticketing.* configuration.
type Defaults struct {
	Enabled               bool
	DefaultPriority       string
	DefaultType           string
	TargetQueue           string
	TargetQueueEscalation string
}

// Request is one playbook ticketing step resolved against a provider.
type Request struct {
	Provider string
	Escalate bool // move a duplicate's ticket to the escalation queue
}

// Hooks are optional metric callbacks.
type Hooks struct {
	OnTicket func(provider, op, outcome string)
}

// Executor applies ticketing steps idempotently. RetryInterval is the
// initial backoff interval for provider retries; tests shrink it.
type Executor struct {
	registry *integration.Registry
	cache    *fpcache.Cache
	defaults map[string]Defaults
	logger   log.Logger
	hooks    Hooks

	RetryInterval time.Duration
}

// New creates an executor. defaults is keyed by provider name.
func New(registry *integration.Registry, cache *fpcache.Cache, defaults map[string]Defaults, logger log.Logger, hooks Hooks) *Executor {
	return &Executor{
		registry:      registry,
		cache:         cache,
		defaults:      defaults,
		logger:        logger,
		hooks:         hooks,
		RetryInterval: initialRetryInterval,
	}
}

// Apply looks up the detection's fingerprint and either appends to the
// already linked ticket (optionally escalating its queue) or creates a
// new ticket and records the reference against the fingerprint before
// returning. Provider calls are retried a bounded number of times with
// exponential backoff; exhaustion surfaces as an error that fails only
// the calling playbook's chain.
func (x *Executor) Apply(ctx context.Context, d *detection.Detection, req Request) (integration.TicketRef, error) {
	ctx, span := tracer.Start(ctx, "ticketing.Apply", trace.WithAttributes(
		attribute.String("warden.detection.id", d.ID),
		attribute.String("warden.ticketing.provider", req.Provider),
	))
	defer span.End()

	provider, ok := x.registry.Ticketer(req.Provider)
	if !ok {
		err := fmt.Errorf("ticketing provider %q not enabled", req.Provider)
		span.SetStatus(codes.Error, err.Error())
		return integration.TicketRef{}, err
	}
	defaults, ok := x.defaults[req.Provider]
	if !ok || !defaults.Enabled {
		err := fmt.Errorf("ticketing disabled for provider %q", req.Provider)
		span.SetStatus(codes.Error, err.Error())
		return integration.TicketRef{}, err
	}

	L := x.logger.With("detection_id", d.ID, "fingerprint", d.Fingerprint, "provider", req.Provider)

	if entry, hit := x.cache.Lookup(d.Fingerprint); hit && entry.Ticket != nil {
		ref, err := x.appendOrEscalate(ctx, L, provider, d, req, defaults, *entry.Ticket)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return integration.TicketRef{}, err
		}
		span.SetAttributes(attribute.String("warden.ticket.id", ref.ID))
		return ref, nil
	}

	ref, err := x.create(ctx, L, provider, d, defaults)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return integration.TicketRef{}, err
	}
	span.SetAttributes(attribute.String("warden.ticket.id", ref.ID))
	return ref, nil
}

// AppendDuplicate links a duplicate detection to its existing ticket
// with a note, without creating anything. Used on the dedup fast path
// before playbooks run.
func (x *Executor) AppendDuplicate(ctx context.Context, d *detection.Detection, entry fpcache.Entry) error {
	if entry.Ticket == nil {
		return nil // prior occurrence never got a ticket, nothing to link
	}
	provider, ok := x.registry.Ticketer(entry.Ticket.Provider)
	if !ok {
		return fmt.Errorf("ticketing provider for cached ticket %s not enabled", entry.Ticket.ID)
	}

	upd := integration.TicketUpdate{Note: duplicateNote(d)}
	err := x.retryUpdate(ctx, provider, *entry.Ticket, upd)
	x.observe(provider.Name(), "append", err)
	if err != nil {
		return fmt.Errorf("append duplicate note to %s: %w", entry.Ticket.ID, err)
	}
	return nil
}

func (x *Executor) appendOrEscalate(ctx context.Context, L log.Logger, provider integration.TicketingProvider, d *detection.Detection, req Request, defaults Defaults, ref integration.TicketRef) (integration.TicketRef, error) {
	upd := integration.TicketUpdate{Note: duplicateNote(d)}

	escalate := req.Escalate &&
		defaults.TargetQueueEscalation != "" &&
		ref.Queue != defaults.TargetQueueEscalation
	if escalate {
		upd.TargetQueue = defaults.TargetQueueEscalation
	}

	if err := x.retryUpdate(ctx, provider, ref, upd); err != nil {
		x.observe(provider.Name(), "append", err)
		return integration.TicketRef{}, fmt.Errorf("update ticket %s: %w", ref.ID, err)
	}

	op := "append"
	if escalate {
		op = "escalate"
		ref.Queue = defaults.TargetQueueEscalation
	}
	x.observe(provider.Name(), op, nil)

	// refresh the link so last-seen and the possibly moved queue stick
	x.cache.Record(d.Fingerprint, &ref)

	L.Info(ctx, "linked duplicate detection to existing ticket",
		"ticket_id", ref.ID, "escalated", escalate)
	return ref, nil
}

func (x *Executor) create(ctx context.Context, L log.Logger, provider integration.TicketingProvider, d *detection.Detection, defaults Defaults) (integration.TicketRef, error) {
	spec := integration.TicketSpec{
		Title:       ticketTitle(d),
		Body:        ticketBody(d),
		Queue:       defaults.TargetQueue,
		Priority:    defaults.DefaultPriority,
		Type:        defaults.DefaultType,
		Fingerprint: d.Fingerprint,
	}

	op := func() (integration.TicketRef, error) {
		return provider.CreateTicket(ctx, spec)
	}
	ref, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(x.newBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	x.observe(provider.Name(), "create", err)
	if err != nil {
		return integration.TicketRef{}, fmt.Errorf("create ticket: %w", err)
	}
	ref.Provider = provider.Name()
	if ref.Queue == "" {
		ref.Queue = spec.Queue
	}

	// record the link before anything else can fail, so a recurring
	// detection can never create a second ticket
	x.cache.Record(d.Fingerprint, &ref)

	L.Info(ctx, "created ticket",
		"ticket_id", ref.ID, "queue", spec.Queue, "priority", spec.Priority)
	return ref, nil
}

func (x *Executor) retryUpdate(ctx context.Context, provider integration.TicketingProvider, ref integration.TicketRef, upd integration.TicketUpdate) error {
	op := func() (struct{}, error) {
		return struct{}{}, provider.UpdateTicket(ctx, ref, upd)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(x.newBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	return err
}

func (x *Executor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.RetryInterval
	return b
}

func (x *Executor) observe(provider, op string, err error) {
	if x.hooks.OnTicket == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	x.hooks.OnTicket(provider, op, outcome)
}

func ticketTitle(d *detection.Detection) string {
	return fmt.Sprintf("[%s] %s", d.Source, d.Name)
}

func ticketBody(d *detection.Detection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Detection %s from %s\n", d.ID, d.Source)
	fmt.Fprintf(&b, "Rule: %s (%s)\n", d.Rule.Name, d.Rule.ID)
	fmt.Fprintf(&b, "Severity: %d\n", d.Severity)
	fmt.Fprintf(&b, "Fingerprint: %s\n", d.Fingerprint)
	if d.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", d.Description)
	}
	if len(d.Entities) > 0 {
		b.WriteString("\nEntities:\n")
		for kind, v := range d.Entities {
			fmt.Fprintf(&b, "  %s: %s\n", kind, v)
		}
	}
	for name, res := range d.Context {
		if res.Failed {
			fmt.Fprintf(&b, "\nContext from %s: unavailable (%s)\n", name, res.FailReason)
			continue
		}
		fmt.Fprintf(&b, "\nContext from %s:\n%s\n", name, res.Data)
	}
	return b.String()
}

func duplicateNote(d *detection.Detection) string {
	return fmt.Sprintf("Recurring detection %s (%s) observed at %s, severity %d.",
		d.ID, d.Name, d.ReceivedAt.UTC().Format(time.RFC3339), d.Severity)
}
