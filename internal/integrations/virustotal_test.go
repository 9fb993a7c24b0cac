package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/integration"
)

func vtDescriptor(baseURL string) integration.Descriptor {
	return integration.Descriptor{
		Name:         "virustotal",
		Type:         "virustotal",
		Capabilities: []integration.Capability{integration.CapContextProvider},
		Enabled:      true,
		Credentials:  map[string]string{"api_key": "vt-key"},
		Transport:    integration.Transport{BaseURL: baseURL, VerifyCerts: true},
	}
}

func TestVirusTotalEnrich_LooksUpIndicators(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-apikey"); got != "vt-key" {
			t.Errorf("x-apikey = %q, want vt-key", got)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v3/files/"):
			_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":41}}}}`))
		case strings.HasPrefix(r.URL.Path, "/api/v3/ip_addresses/"):
			_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0}}}}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	v := NewVirusTotal(vtDescriptor(srv.URL), log.Nop())
	d := &detection.Detection{
		ID: "01JTEST",
		Indicators: map[string][]string{
			"hash": {"44d88612fea8a8f36de82e1278abb02f"},
			"ip":   {"203.0.113.7"},
		},
	}

	raw, err := v.Enrich(context.Background(), d)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("lookups = %d, want 2", len(out))
	}
	if _, ok := out["44d88612fea8a8f36de82e1278abb02f"]; !ok {
		t.Error("hash lookup missing from result")
	}
}

func TestVirusTotalEnrich_UnknownIndicatorSkipped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v3/domains/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	v := NewVirusTotal(vtDescriptor(srv.URL), log.Nop())
	d := &detection.Detection{
		ID: "01JTEST",
		Indicators: map[string][]string{
			"ip":     {"203.0.113.7"},
			"domain": {"unknown.example"},
		},
	}

	raw, err := v.Enrich(context.Background(), d)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if _, ok := out["unknown.example"]; ok {
		t.Error("404 indicator must be skipped, not recorded")
	}
	if _, ok := out["203.0.113.7"]; !ok {
		t.Error("known indicator missing")
	}
}

func TestVirusTotalEnrich_LookupCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	hashes := make([]string, 20)
	for i := range hashes {
		hashes[i] = strings.Repeat("a", 30) + string(rune('a'+i))
	}
	v := NewVirusTotal(vtDescriptor(srv.URL), log.Nop())
	d := &detection.Detection{ID: "01JTEST", Indicators: map[string][]string{"hash": hashes}}

	if _, err := v.Enrich(context.Background(), d); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if got := calls.Load(); got != vtMaxLookups {
		t.Errorf("lookups = %d, want cap %d", got, vtMaxLookups)
	}
}

func TestVirusTotalEnrich_NoSupportedIndicators(t *testing.T) {
	t.Parallel()

	v := NewVirusTotal(vtDescriptor("http://unused.invalid"), log.Nop())
	d := &detection.Detection{ID: "01JTEST", Indicators: map[string][]string{"email": {"a@example.com"}}}

	raw, err := v.Enrich(context.Background(), d)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if raw != nil {
		t.Errorf("result = %s, want nil", raw)
	}
}
