// Package integration defines the four capability interfaces the engine
// consumes, the integration descriptor, and the registry that answers
// capability queries. Concrete protocol clients live in
// internal/integrations and are registered here at startup.
package integration

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
)

// Capability names one of the four fixed roles an integration can fill.
type Capability string

const (
	CapDetectionSource      Capability = "detection_source"
	CapContextProvider      Capability = "context_provider"
	CapTicketingProvider    Capability = "ticketing_provider"
	CapNotificationProvider Capability = "notification_provider"
)

// RawEvent is one unnormalized event as returned by a detection source.
// The payload is opaque to the engine until the normalizer maps it.
type RawEvent struct {
	Source  string
	Payload json.RawMessage
}

// DetectionSource polls an external system for new raw events. Each
// call returns a finite batch; polling restarts next cycle.
type DetectionSource interface {
	Name() string
	Poll(ctx context.Context) ([]RawEvent, error)
}

// ContextProvider supplies additional information about the indicators
// found in a detection.
type ContextProvider interface {
	Name() string
	Enrich(ctx context.Context, d *detection.Detection) (json.RawMessage, error)
}

// TicketSpec describes a ticket to create.
type TicketSpec struct {
	Title       string
	Body        string
	Queue       string
	Priority    string
	Type        string
	Fingerprint string
}

// TicketRef identifies a ticket in the external tracking system.
// Provider is the integration name that owns the ticket, so a cached
// reference can be routed back without guessing.
type TicketRef struct {
	ID       string `json:"id"`
	Queue    string `json:"queue,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// TicketUpdate appends a note to an existing ticket and optionally
// moves it to another queue (escalation).
type TicketUpdate struct {
	Note        string
	TargetQueue string // empty = no queue move
}

// TicketingProvider creates and updates tickets in an external tracker.
type TicketingProvider interface {
	Name() string
	CreateTicket(ctx context.Context, spec TicketSpec) (TicketRef, error)
	UpdateTicket(ctx context.Context, ref TicketRef, upd TicketUpdate) error
}

// Message is a notification about a ticket lifecycle event.
type Message struct {
	Title       string
	Text        string
	Severity    int
	DetectionID string
	TicketID    string
}

// NotificationProvider delivers best-effort notifications.
type NotificationProvider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// LogLevels is the per-channel log routing configured for one
// integration. Empty values fall back to "info".
type LogLevels struct {
	File   string
	Stdout string
	Syslog string
}

// Transport carries connection options shared by HTTP integrations.
type Transport struct {
	BaseURL     string
	VerifyCerts bool
}

// Descriptor is one integration's declaration: identity, capabilities,
// activation, credentials and transport/log options. Immutable after
// configuration load.
type Descriptor struct {
	Name         string
	Type         string
	Capabilities []Capability
	Enabled      bool
	Credentials  map[string]string
	Logging      LogLevels
	Transport    Transport
}

// Has reports whether the descriptor declares the given capability.
func (d Descriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Credential returns the named credential, trimmed, or "".
func (d Descriptor) Credential(key string) string {
	return strings.TrimSpace(d.Credentials[key])
}

// minLevel maps a configured level name to a rank for gating.
func minLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return 0
	case "", "info":
		return 1
	case "warning", "warn":
		return 2
	case "error", "critical":
		return 3
	default:
		return 1
	}
}

// stdoutRank returns the integration's effective stdout threshold.
func (d Descriptor) stdoutRank() int { return minLevel(d.Logging.Stdout) }

// LogSkip reports that the integration was excluded from a cycle,
// routed at the integration's own configured level so a deliberately
// disabled integration does not spam the operator. Never fatal.
func (d Descriptor) LogSkip(ctx context.Context, L log.Logger, reason string) {
	kv := []any{"integration", d.Name, "reason", reason}
	switch {
	case d.stdoutRank() >= 2:
		L.Warn(ctx, "integration skipped", kv...)
	default:
		L.Info(ctx, "integration skipped", kv...)
	}
}
