// Package normalize maps raw provider payloads into the canonical
// detection shape using per-source field mappings. Field paths are
// gjson expressions evaluated against the opaque JSON payload, so a
// new source shape is a mapping change, not code.
package normalize

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/integration"
)

// Mapping defines how one source's raw events translate to detections.
// All fields are gjson paths into the raw payload. SeverityScale
// multiplies the extracted severity onto the canonical 0..100 range
// (QRadar reports 0..10, Elastic risk scores are already 0..100).
type Mapping struct {
	Name          string
	RuleID        string
	RuleName      string
	Description   string
	Severity      string
	SeverityScale float64
	Timestamp     string
	Entities      map[string]string
	Indicators    map[string][]string
}

// Normalizer turns raw events into detections. One mapping per source
// integration name, registered at startup.
type Normalizer struct {
	mappings map[string]Mapping
	logger   log.Logger
	now      func() time.Time
}

// New creates a normalizer with no mappings registered.
func New(logger log.Logger) *Normalizer {
	return &Normalizer{
		mappings: make(map[string]Mapping),
		logger:   logger,
		now:      time.Now,
	}
}

// SetMapping registers the mapping for a source integration.
func (n *Normalizer) SetMapping(source string, m Mapping) {
	n.mappings[source] = m
}

// Normalize maps one raw event to a detection. An event whose payload
// is not valid JSON or that yields neither a rule id nor a name is
// malformed.
func (n *Normalizer) Normalize(ev integration.RawEvent) (*detection.Detection, error) {
	m, ok := n.mappings[ev.Source]
	if !ok {
		return nil, fmt.Errorf("no mapping registered for source %q", ev.Source)
	}
	if !gjson.ValidBytes(ev.Payload) {
		return nil, fmt.Errorf("source %q event is not valid JSON", ev.Source)
	}
	doc := gjson.ParseBytes(ev.Payload)

	d := &detection.Detection{
		ID:         ulid.Make().String(),
		Source:     ev.Source,
		ReceivedAt: n.now(),
		Name:       doc.Get(m.Name).String(),
		Raw:        ev.Payload,
		Status:     detection.StatusNew,
	}
	d.Rule = detection.Rule{
		ID:   doc.Get(m.RuleID).String(),
		Name: doc.Get(m.RuleName).String(),
	}
	if m.Description != "" {
		d.Description = doc.Get(m.Description).String()
	}
	if d.Rule.ID == "" && d.Rule.Name == "" {
		return nil, fmt.Errorf("source %q event has no rule id or name", ev.Source)
	}
	if d.Name == "" {
		d.Name = d.Rule.Name
	}

	d.Severity = extractSeverity(doc, m)
	d.Rule.Severity = d.Severity
	d.Timestamp = extractTimestamp(doc, m.Timestamp)

	d.Entities = make(map[string]string)
	for kind, path := range m.Entities {
		if v := doc.Get(path).String(); v != "" {
			d.Entities[kind] = v
		}
	}

	d.Indicators = make(map[string][]string)
	for typ, paths := range m.Indicators {
		for _, path := range paths {
			appendIndicator(d.Indicators, typ, doc.Get(path))
		}
	}

	d.Fingerprint = detection.ComputeFingerprint(d)
	return d, nil
}

// NormalizeBatch maps a batch of raw events, dropping malformed events
// with a logged warning. A bad event never aborts the batch.
func (n *Normalizer) NormalizeBatch(ctx context.Context, evs []integration.RawEvent) []*detection.Detection {
	out := make([]*detection.Detection, 0, len(evs))
	for _, ev := range evs {
		d, err := n.Normalize(ev)
		if err != nil {
			n.logger.Warn(ctx, "dropping malformed event", "source", ev.Source, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

func extractSeverity(doc gjson.Result, m Mapping) int {
	if m.Severity == "" {
		return 0
	}
	v := doc.Get(m.Severity).Float()
	scale := m.SeverityScale
	if scale == 0 {
		scale = 1
	}
	sev := int(math.Round(v * scale))
	if sev < 0 {
		sev = 0
	}
	if sev > 100 {
		sev = 100
	}
	return sev
}

// extractTimestamp accepts RFC3339 strings and epoch milliseconds,
// which covers Elastic and QRadar respectively.
func extractTimestamp(doc gjson.Result, path string) time.Time {
	if path == "" {
		return time.Time{}
	}
	r := doc.Get(path)
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, r.String()); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func appendIndicator(ind map[string][]string, typ string, r gjson.Result) {
	add := func(v string) {
		if v == "" {
			return
		}
		for _, have := range ind[typ] {
			if have == v {
				return
			}
		}
		ind[typ] = append(ind[typ], v)
	}
	if r.IsArray() {
		r.ForEach(func(_, item gjson.Result) bool {
			add(item.String())
			return true
		})
		return
	}
	add(r.String())
}
