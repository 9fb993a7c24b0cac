// Package integrations holds the concrete protocol clients behind the
// capability interfaces: Elastic SIEM and IBM QRadar as detection
// sources, VirusTotal and QRadar as context providers, Znuny as the
// ticketing provider and Slack as the notification provider. Clients
// are constructed from their descriptor by the factory and registered
// on the shared registry at startup.
package integrations

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/normalize"
)

const httpTimeout = 10 * time.Second

// New builds the client for one integration descriptor.
func New(d integration.Descriptor, logger log.Logger) (any, error) {
	switch strings.ToLower(d.Type) {
	case "elastic_siem":
		return NewElastic(d, logger), nil
	case "ibm_qradar":
		return NewQRadar(d, logger), nil
	case "virustotal":
		return NewVirusTotal(d, logger), nil
	case "znuny":
		return NewZnuny(d, logger), nil
	case "slack":
		return NewSlack(d, logger), nil
	default:
		return nil, fmt.Errorf("unsupported integration type %q", d.Type)
	}
}

// missingCredentials reports which credential an enabled descriptor
// lacks for its type, or "" when it can authenticate.
func missingCredentials(d integration.Descriptor) string {
	switch strings.ToLower(d.Type) {
	case "elastic_siem":
		if d.Credential("api_key") == "" && (d.Credential("user") == "" || d.Credential("password") == "") {
			return "api_key or user/password"
		}
	case "ibm_qradar", "virustotal":
		if d.Credential("api_key") == "" {
			return "api_key"
		}
	case "znuny":
		if d.Credential("user") == "" || d.Credential("password") == "" {
			return "user/password"
		}
	case "slack":
		if d.Credential("webhook_url") == "" {
			return "webhook_url"
		}
	}
	return ""
}

// RegisterAll constructs every configured integration, registers it on
// the registry, and installs the matching normalizer mapping for
// detection sources. Disabled or credential-less integrations are
// registered demoted so the registry can report why they are skipped;
// neither is fatal.
func RegisterAll(ctx context.Context, r *integration.Registry, nz *normalize.Normalizer, ds []integration.Descriptor, logger log.Logger) error {
	for _, d := range ds {
		client, err := New(d, logger)
		if err != nil {
			return fmt.Errorf("integration %s: %w", d.Name, err)
		}
		if missing := missingCredentials(d); d.Enabled && missing != "" {
			d.Enabled = false
			if err := r.Register(d, client); err != nil {
				return fmt.Errorf("integration %s: %w", d.Name, err)
			}
			d.LogSkip(ctx, logger, "missing credentials: "+missing)
			continue
		}
		if err := r.Register(d, client); err != nil {
			return fmt.Errorf("integration %s: %w", d.Name, err)
		}
		if !d.Enabled {
			d.LogSkip(ctx, logger, "disabled in configuration")
			continue
		}
		if d.Has(integration.CapDetectionSource) {
			m, ok := normalize.DefaultMapping(d.Type)
			if !ok {
				return fmt.Errorf("integration %s: no field mapping for type %q", d.Name, d.Type)
			}
			nz.SetMapping(d.Name, m)
		}
		logger.Info(ctx, "integration registered",
			"integration", d.Name,
			"type", d.Type,
			"capabilities", len(d.Capabilities),
		)
	}
	if len(r.EnabledSources()) == 0 {
		return fmt.Errorf("no enabled detection sources after registration")
	}
	return nil
}

// httpClient builds the HTTP client for a descriptor, honoring
// verify_certs for on-prem appliances with self-signed certificates.
func httpClient(d integration.Descriptor) *http.Client {
	c := &http.Client{Timeout: httpTimeout}
	if !d.Transport.VerifyCerts {
		c.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // G402: operator opted out via verify_certs
		}
	}
	return c
}
