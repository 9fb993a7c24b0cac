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

const znunyConnectorPath = "/otrs/nph-genericinterface.pl/Webservice/GenericTicketConnectorREST/Ticket"

// Znuny talks to the OTRS-family generic ticket connector REST
// webservice: create ticket, append article, move queue.
type Znuny struct {
	name     string
	baseURL  string
	user     string
	password string
	client   *http.Client
	logger   log.Logger
}

// NewZnuny creates a Znuny ticketing client from its descriptor.
func NewZnuny(d integration.Descriptor, logger log.Logger) *Znuny {
	return &Znuny{
		name:     d.Name,
		baseURL:  d.Transport.BaseURL,
		user:     d.Credential("user"),
		password: d.Credential("password"),
		client:   httpClient(d),
		logger:   logger.With("integration", d.Name),
	}
}

// Name returns the integration name.
func (z *Znuny) Name() string { return z.name }

// CreateTicket opens a new ticket with an initial article carrying the
// detection summary.
func (z *Znuny) CreateTicket(ctx context.Context, spec integration.TicketSpec) (integration.TicketRef, error) {
	payload := map[string]any{
		"Ticket": map[string]any{
			"Title":        spec.Title,
			"Queue":        spec.Queue,
			"Priority":     spec.Priority,
			"Type":         spec.Type,
			"State":        "new",
			"CustomerUser": "warden",
		},
		"Article": map[string]any{
			"Subject":              spec.Title,
			"Body":                 spec.Body,
			"ContentType":          "text/plain; charset=utf8",
			"CommunicationChannel": "Internal",
		},
	}

	body, err := z.do(ctx, http.MethodPost, z.endpoint(""), payload)
	if err != nil {
		return integration.TicketRef{}, fmt.Errorf("znuny: create ticket: %w", err)
	}

	id := gjson.GetBytes(body, "TicketID").String()
	if id == "" {
		return integration.TicketRef{}, fmt.Errorf("znuny: create ticket: no TicketID in response: %s", truncate(body, 512))
	}
	return integration.TicketRef{ID: id, Queue: spec.Queue}, nil
}

// UpdateTicket appends a note article and, when upd.TargetQueue is
// set, moves the ticket there.
func (z *Znuny) UpdateTicket(ctx context.Context, ref integration.TicketRef, upd integration.TicketUpdate) error {
	payload := map[string]any{
		"Article": map[string]any{
			"Subject":              "Update",
			"Body":                 upd.Note,
			"ContentType":          "text/plain; charset=utf8",
			"CommunicationChannel": "Internal",
		},
	}
	if upd.TargetQueue != "" {
		payload["Ticket"] = map[string]any{"Queue": upd.TargetQueue}
	}

	if _, err := z.do(ctx, http.MethodPatch, z.endpoint(ref.ID), payload); err != nil {
		return fmt.Errorf("znuny: update ticket %s: %w", ref.ID, err)
	}
	return nil
}

// endpoint builds the connector URL with session credentials in the
// query string, the way the generic connector expects them.
func (z *Znuny) endpoint(ticketID string) string {
	u := z.baseURL + znunyConnectorPath
	if ticketID != "" {
		u += "/" + url.PathEscape(ticketID)
	}
	q := url.Values{}
	q.Set("UserLogin", z.user)
	q.Set("Password", z.password)
	return u + "?" + q.Encode()
}

func (z *Znuny) do(ctx context.Context, method, rawURL string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := z.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512))
	}
	if errMsg := gjson.GetBytes(body, "Error.ErrorMessage").String(); errMsg != "" {
		return nil, fmt.Errorf("connector error: %s", errMsg)
	}
	return body, nil
}
