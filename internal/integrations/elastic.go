package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
)

const (
	elasticSignalsIndex = ".internal.alerts-security.alerts-*"
	elasticMaxResults   = 50
)

// Elastic polls the Elastic Security signals index for open signals
// and acknowledges the ones it consumed so the next poll does not
// return them again.
type Elastic struct {
	name     string
	baseURL  string
	user     string
	password string
	apiKey   string
	client   *http.Client
	logger   log.Logger
}

// NewElastic creates an Elastic SIEM detection source from its descriptor.
func NewElastic(d integration.Descriptor, logger log.Logger) *Elastic {
	return &Elastic{
		name:     d.Name,
		baseURL:  d.Transport.BaseURL,
		user:     d.Credential("user"),
		password: d.Credential("password"),
		apiKey:   d.Credential("api_key"),
		client:   httpClient(d),
		logger:   logger.With("integration", d.Name),
	}
}

// Name returns the integration name.
func (e *Elastic) Name() string { return e.name }

// Poll searches for open security signals and returns them as raw
// events. Consumed signals are acknowledged individually; an ack
// failure is logged and the signal is still returned, so it may be
// seen again next cycle and suppressed by the fingerprint cache.
func (e *Elastic) Poll(ctx context.Context) ([]integration.RawEvent, error) {
	query := fmt.Sprintf(`{"size":%d,"query":{"bool":{"must":{"match":{"kibana.alert.workflow_status":"open"}}}}}`, elasticMaxResults)
	searchURL := fmt.Sprintf("%s/%s/_search", e.baseURL, elasticSignalsIndex)

	body, err := e.do(ctx, http.MethodPost, searchURL, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("elastic: search signals: %w", err)
	}

	var events []integration.RawEvent
	for _, hit := range gjson.GetBytes(body, "hits.hits").Array() {
		source := hit.Get("_source")
		if !source.Exists() {
			continue
		}
		events = append(events, integration.RawEvent{
			Source:  e.name,
			Payload: json.RawMessage(source.Raw),
		})
		e.acknowledge(ctx, hit.Get("_index").String(), hit.Get("_id").String())
	}
	return events, nil
}

// acknowledge flips the signal's workflow status so it is not polled again.
func (e *Elastic) acknowledge(ctx context.Context, index, id string) {
	if index == "" || id == "" {
		return
	}
	updateURL := fmt.Sprintf("%s/%s/_update/%s", e.baseURL, url.PathEscape(index), url.PathEscape(id))
	payload := []byte(`{"doc":{"kibana.alert.workflow_status":"acknowledged"}}`)
	if _, err := e.do(ctx, http.MethodPost, updateURL, payload); err != nil {
		e.logger.Warn(ctx, "signal acknowledge failed", "signal_id", id, "error", err)
	}
}

func (e *Elastic) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+e.apiKey)
	} else if e.user != "" {
		req.SetBasicAuth(e.user, e.password)
	}

	resp, err := e.client.Do(req)
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

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
