package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/detection"
	"github.com/linnemanlabs/warden/internal/integration"
)

const qradarMaxSourceAddrs = 10

// QRadar polls IBM QRadar for open offenses and doubles as a context
// provider for source-address lookups on a detection's IP indicators.
type QRadar struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	logger  log.Logger
}

// NewQRadar creates a QRadar client from its descriptor.
func NewQRadar(d integration.Descriptor, logger log.Logger) *QRadar {
	return &QRadar{
		name:    d.Name,
		baseURL: d.Transport.BaseURL,
		token:   d.Credential("api_key"),
		client:  httpClient(d),
		logger:  logger.With("integration", d.Name),
	}
}

// Name returns the integration name.
func (q *QRadar) Name() string { return q.name }

// Poll returns the currently open offenses as raw events. QRadar keeps
// reporting an offense until it is closed in the console; recurrence
// is suppressed downstream by the fingerprint cache.
func (q *QRadar) Poll(ctx context.Context) ([]integration.RawEvent, error) {
	pollURL := q.baseURL + "/api/siem/offenses?filter=" + url.QueryEscape(`status="OPEN"`)
	body, err := q.get(ctx, pollURL)
	if err != nil {
		return nil, fmt.Errorf("qradar: list offenses: %w", err)
	}

	var events []integration.RawEvent
	for _, offense := range gjson.ParseBytes(body).Array() {
		events = append(events, integration.RawEvent{
			Source:  q.name,
			Payload: json.RawMessage(offense.Raw),
		})
	}
	return events, nil
}

// Enrich looks up QRadar's source-address records for the detection's
// IP indicators. The result maps each IP to what QRadar knows about it.
func (q *QRadar) Enrich(ctx context.Context, d *detection.Detection) (json.RawMessage, error) {
	ips := d.IndicatorValues("ip")
	if len(ips) == 0 {
		return nil, nil
	}
	if len(ips) > qradarMaxSourceAddrs {
		ips = ips[:qradarMaxSourceAddrs]
	}

	out := make(map[string]json.RawMessage, len(ips))
	for _, ip := range ips {
		addrURL := q.baseURL + "/api/siem/source_addresses?filter=" + url.QueryEscape(fmt.Sprintf("source_ip=%q", ip))
		body, err := q.get(ctx, addrURL)
		if err != nil {
			return nil, fmt.Errorf("qradar: source address %s: %w", ip, err)
		}
		out[ip] = json.RawMessage(body)
	}
	return json.Marshal(out)
}

func (q *QRadar) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("SEC", q.token)

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512))
	}
	return body, nil
}
