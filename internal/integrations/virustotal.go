package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/integration"
)

const (
	vtDefaultBaseURL = "https://www.virustotal.com"
	vtMaxLookups     = 8
)

// vtEndpoints maps indicator types to VirusTotal v3 collections.
var vtEndpoints = map[string]string{
	"hash":   "files",
	"ip":     "ip_addresses",
	"domain": "domains",
}

// VirusTotal is a context provider that looks up a detection's hash,
// IP and domain indicators.
type VirusTotal struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  log.Logger
}

// NewVirusTotal creates a VirusTotal client from its descriptor.
func NewVirusTotal(d integration.Descriptor, logger log.Logger) *VirusTotal {
	base := d.Transport.BaseURL
	if base == "" {
		base = vtDefaultBaseURL
	}
	return &VirusTotal{
		name:    d.Name,
		baseURL: base,
		apiKey:  d.Credential("api_key"),
		client:  httpClient(d),
		logger:  logger.With("integration", d.Name),
	}
}

// Name returns the integration name.
func (v *VirusTotal) Name() string { return v.name }

// Enrich looks up each supported indicator and returns a map of
// indicator value to the VirusTotal object. Lookups are capped so one
// noisy detection cannot burn the API quota; a 404 means the indicator
// is unknown to VirusTotal and is skipped, any other failure aborts
// the enrichment.
func (v *VirusTotal) Enrich(ctx context.Context, d *detection.Detection) (json.RawMessage, error) {
	type lookup struct {
		collection string
		value      string
	}
	var lookups []lookup
	for typ, collection := range vtEndpoints {
		for _, value := range d.IndicatorValues(typ) {
			lookups = append(lookups, lookup{collection, value})
		}
	}
	if len(lookups) == 0 {
		return nil, nil
	}
	if len(lookups) > vtMaxLookups {
		v.logger.Warn(ctx, "indicator lookups capped",
			"detection_id", d.ID,
			"indicators", len(lookups),
			"cap", vtMaxLookups,
		)
		lookups = lookups[:vtMaxLookups]
	}

	out := make(map[string]json.RawMessage, len(lookups))
	for _, l := range lookups {
		body, status, err := v.get(ctx, fmt.Sprintf("%s/api/v3/%s/%s", v.baseURL, l.collection, url.PathEscape(l.value)))
		if err != nil {
			return nil, fmt.Errorf("virustotal: %s %s: %w", l.collection, l.value, err)
		}
		if status == http.StatusNotFound {
			continue
		}
		out[l.value] = json.RawMessage(body)
	}
	return json.Marshal(out)
}

func (v *VirusTotal) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-apikey", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512))
	}
	return body, resp.StatusCode, nil
}
