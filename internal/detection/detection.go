// Package detection defines the canonical detection entity that flows
// through a processing cycle, from raw source event to ticketed outcome.
package detection

import (
	"encoding/json"
	"time"
)

// Status tracks where a detection is in its processing lifecycle.
// Transitions only move forward; Advance enforces this.
type Status string

const (
	// StatusNew means normalized, not yet evaluated against playbooks
	StatusNew Status = "new"

	// StatusMatched means at least one playbook trigger matched
	StatusMatched Status = "matched"

	// StatusEnriched means context enrichment completed (or was skipped)
	StatusEnriched Status = "enriched"

	// StatusActioned means ticketing/notification actions ran
	StatusActioned Status = "actioned"

	// StatusDone means all matched playbooks completed
	StatusDone Status = "done"

	// StatusFailed means an unrecoverable action error
	StatusFailed Status = "failed"
)

// rank orders statuses for forward-only transitions. Failed is terminal
// and reachable from anywhere.
var rank = map[Status]int{
	StatusNew:      0,
	StatusMatched:  1,
	StatusEnriched: 2,
	StatusActioned: 3,
	StatusDone:     4,
	StatusFailed:   5,
}

// Rule identifies the detection rule or signature that fired.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity,omitempty"`
}

// ContextResult is one provider's contribution to a detection's
// enrichment map.
type ContextResult struct {
	Provider   string          `json:"provider"`
	Data       json.RawMessage `json:"data,omitempty"`
	Failed     bool            `json:"failed,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
	RetrievedAt time.Time      `json:"retrieved_at"`
}

// Detection is a normalized security alert instance produced from a raw
// source event. Raw is immutable after construction; the normalized
// fields, enrichment map and status are mutated as the detection moves
// through a cycle. A detection is owned by exactly one cycle.
type Detection struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"` // detection-source integration name
	ReceivedAt time.Time `json:"received_at"`
	Timestamp  time.Time `json:"timestamp,omitempty"` // event time as reported by the source

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity"` // 0..100
	Rule        Rule   `json:"rule"`

	// Entities are the normalized entity identifiers (host, user, source
	// ip, ...) keyed by entity kind. They participate in the fingerprint.
	Entities map[string]string `json:"entities,omitempty"`

	// Indicators are observables extracted for enrichment, keyed by
	// indicator type (ip, domain, url, hash, email, other).
	Indicators map[string][]string `json:"indicators,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`

	Fingerprint string `json:"fingerprint"`
	Status      Status `json:"status"`

	// Context accumulates enrichment results keyed by provider name.
	// Entries are only ever added, never overwritten.
	Context map[string]*ContextResult `json:"context,omitempty"`
}

// Advance moves the detection to the given status if that is a forward
// transition. Backward transitions are ignored so a late status write
// from a finished playbook cannot regress the lifecycle.
func (d *Detection) Advance(s Status) {
	if rank[s] > rank[d.Status] {
		d.Status = s
	}
}

// AddContext merges a provider result into the enrichment map. Existing
// entries win: providers have distinct keys, so a second write for the
// same provider within one cycle is a bug upstream and is dropped.
func (d *Detection) AddContext(res *ContextResult) {
	if res == nil || res.Provider == "" {
		return
	}
	if d.Context == nil {
		d.Context = make(map[string]*ContextResult)
	}
	if _, ok := d.Context[res.Provider]; ok {
		return
	}
	d.Context[res.Provider] = res
}

// IndicatorValues returns all indicator values of the given types in a
// stable order. With no types given, all indicators are returned.
func (d *Detection) IndicatorValues(types ...string) []string {
	if len(types) == 0 {
		types = []string{"ip", "domain", "url", "hash", "email", "other"}
	}
	var out []string
	for _, t := range types {
		out = append(out, d.Indicators[t]...)
	}
	return out
}
