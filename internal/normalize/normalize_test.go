package normalize

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
)

const elasticSignal = `{
	"@timestamp": "2026-08-01T12:00:00Z",
	"signal": {"rule": {"id": "rule-123", "name": "Suspicious PowerShell", "description": "encoded command", "risk_score": 73}},
	"host": {"name": "ws-042", "ip": ["10.0.0.5"]},
	"user": {"name": "jdoe"},
	"source": {"ip": "10.0.0.5"},
	"destination": {"ip": "185.220.1.1"},
	"process": {"hash": {"sha256": "abc123"}}
}`

const qradarOffense = `{
	"id": 4711,
	"description": "Excessive Firewall Denies",
	"severity": 7,
	"start_time": 1754049600000,
	"offense_source": "192.0.2.10",
	"rules": [{"id": 100205, "type": "CRE_RULE"}]
}`

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n := New(log.Nop())
	em, _ := DefaultMapping("elastic_siem")
	qm, _ := DefaultMapping("ibm_qradar")
	n.SetMapping("elastic_siem", em)
	n.SetMapping("ibm_qradar", qm)
	return n
}

func TestNormalize_Elastic(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	d, err := n.Normalize(integration.RawEvent{Source: "elastic_siem", Payload: json.RawMessage(elasticSignal)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if d.Name != "Suspicious PowerShell" {
		t.Errorf("name = %q", d.Name)
	}
	if d.Rule.ID != "rule-123" {
		t.Errorf("rule id = %q", d.Rule.ID)
	}
	if d.Severity != 73 {
		t.Errorf("severity = %d, want 73", d.Severity)
	}
	if got := d.Entities["host"]; got != "ws-042" {
		t.Errorf("host entity = %q", got)
	}
	if got := d.Timestamp; !got.Equal(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", got)
	}
	ips := d.Indicators["ip"]
	if len(ips) != 2 { // 10.0.0.5 deduplicated across source.ip and host.ip
		t.Errorf("ip indicators = %v, want 2 unique", ips)
	}
	if d.Fingerprint == "" {
		t.Error("fingerprint not computed")
	}
	if d.ID == "" {
		t.Error("id not assigned")
	}
}

func TestNormalize_QRadar(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	d, err := n.Normalize(integration.RawEvent{Source: "ibm_qradar", Payload: json.RawMessage(qradarOffense)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if d.Rule.ID != "100205" {
		t.Errorf("rule id = %q, want 100205", d.Rule.ID)
	}
	if d.Severity != 70 { // 7 on the 0..10 scale
		t.Errorf("severity = %d, want 70", d.Severity)
	}
	if d.Timestamp.IsZero() {
		t.Error("epoch-millis timestamp not parsed")
	}
	if got := d.Indicators["ip"]; len(got) != 1 || got[0] != "192.0.2.10" {
		t.Errorf("ip indicators = %v", got)
	}
}

func TestNormalize_SameConditionStableFingerprint(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	a, err := n.Normalize(integration.RawEvent{Source: "elastic_siem", Payload: json.RawMessage(elasticSignal)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	// same condition, three hours later
	b, err := n.Normalize(integration.RawEvent{
		Source:  "elastic_siem",
		Payload: json.RawMessage(replaceTimestamp(t, elasticSignal, "2026-08-01T15:00:00Z")),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if a.Fingerprint != b.Fingerprint {
		t.Errorf("fingerprints differ across occurrences: %q vs %q", a.Fingerprint, b.Fingerprint)
	}
	if a.ID == b.ID {
		t.Error("detection ids must be unique per occurrence")
	}
}

func replaceTimestamp(t *testing.T, doc, ts string) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("fixture unmarshal: %v", err)
	}
	m["@timestamp"] = ts
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("fixture marshal: %v", err)
	}
	return string(out)
}

func TestNormalizeBatch_DropsMalformed(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t)
	evs := []integration.RawEvent{
		{Source: "elastic_siem", Payload: json.RawMessage(elasticSignal)},
		{Source: "elastic_siem", Payload: json.RawMessage(`not json at all`)},
		{Source: "elastic_siem", Payload: json.RawMessage(`{"signal":{"rule":{}}}`)}, // no rule id or name
		{Source: "unmapped_source", Payload: json.RawMessage(`{}`)},
		{Source: "ibm_qradar", Payload: json.RawMessage(qradarOffense)},
	}

	got := n.NormalizeBatch(context.Background(), evs)
	if len(got) != 2 {
		t.Fatalf("normalized = %d, want 2 (malformed dropped, batch not aborted)", len(got))
	}
	if got[0].Source != "elastic_siem" || got[1].Source != "ibm_qradar" {
		t.Errorf("unexpected sources: %s, %s", got[0].Source, got[1].Source)
	}
}
