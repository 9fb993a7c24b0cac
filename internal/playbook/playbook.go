// Package playbook holds the declarative automation rules and the
// engine that interprets them. A playbook pairs a trigger predicate
// with an ordered action chain; playbooks are configuration-defined,
// read-only at runtime, and evaluated in strictly ascending order-key
// order. Actions are an explicit tagged variant interpreted by the
// engine, never reflective dispatch.
package playbook

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/linnemanlabs/warden/internal/detection"
)

// ActionKind tags one step variant in an action chain.
type ActionKind string

const (
	ActionEnrich ActionKind = "enrich"
	ActionTicket ActionKind = "ticket"
	ActionNotify ActionKind = "notify"
)

// EnrichStep fans the detection out to the named context providers.
type EnrichStep struct {
	Providers []string
}

// TicketStep creates or updates a ticket through the named provider.
type TicketStep struct {
	Provider string
	Escalate bool
}

// NotifyStep sends a lifecycle notification through the named provider.
type NotifyStep struct {
	Provider string
}

// Action is one step in a chain. Exactly one variant is set, selected
// by Kind.
type Action struct {
	Kind   ActionKind
	Enrich *EnrichStep
	Ticket *TicketStep
	Notify *NotifyStep
}

// Trigger is the predicate a detection must satisfy for the playbook
// to run. Zero-valued fields match anything.
type Trigger struct {
	Sources      []string // detection-source integration names
	MinSeverity  int
	RuleIDPrefix string
	NameContains string
}

// Matches evaluates the trigger against a detection.
func (t Trigger) Matches(d *detection.Detection) bool {
	if len(t.Sources) > 0 {
		found := false
		for _, s := range t.Sources {
			if s == d.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if d.Severity < t.MinSeverity {
		return false
	}
	if t.RuleIDPrefix != "" && !strings.HasPrefix(d.Rule.ID, t.RuleIDPrefix) {
		return false
	}
	if t.NameContains != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(t.NameContains)) {
		return false
	}
	return true
}

// Playbook is one configuration-defined rule.
type Playbook struct {
	ID      string
	Order   int
	Enabled bool
	Trigger Trigger
	Actions []Action
}

// orderRe extracts the numeric order prefix from ids like
// "PB_010_generic_alert_handling" or "020-classify-and-notify".
var orderRe = regexp.MustCompile(`^(?:PB[_-])?(\d+)`)

// ParseOrder derives the order key from a playbook id.
func ParseOrder(id string) (int, error) {
	m := orderRe.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("playbook id %q has no numeric order prefix", id)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("playbook id %q order prefix: %w", id, err)
	}
	return n, nil
}

// SortByOrder sorts playbooks ascending by order key, with the id as a
// deterministic tie-break, regardless of declaration order in storage.
func SortByOrder(pbs []Playbook) {
	sort.SliceStable(pbs, func(i, j int) bool {
		if pbs[i].Order != pbs[j].Order {
			return pbs[i].Order < pbs[j].Order
		}
		return pbs[i].ID < pbs[j].ID
	})
}

// Validate rejects structurally broken playbooks at load time so the
// engine never has to second-guess a chain mid-cycle.
func (p Playbook) Validate() error {
	for i, a := range p.Actions {
		switch a.Kind {
		case ActionEnrich:
			if a.Enrich == nil || len(a.Enrich.Providers) == 0 {
				return fmt.Errorf("playbook %s action %d: enrich step needs providers", p.ID, i)
			}
		case ActionTicket:
			if a.Ticket == nil || a.Ticket.Provider == "" {
				return fmt.Errorf("playbook %s action %d: ticket step needs a provider", p.ID, i)
			}
		case ActionNotify:
			if a.Notify == nil || a.Notify.Provider == "" {
				return fmt.Errorf("playbook %s action %d: notify step needs a provider", p.ID, i)
			}
		default:
			return fmt.Errorf("playbook %s action %d: unknown kind %q", p.ID, i, a.Kind)
		}
	}
	return nil
}
