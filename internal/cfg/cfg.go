// Package cfg loads and validates the orchestration configuration:
// which integrations exist, which playbooks run, and how the
// fingerprint cache and daemon loop behave. Runtime concerns (logging,
// ops listener, tracing) stay on command-line flags and are not part
// of this file.
package cfg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

// DefaultConfigFile is used when --config is not given.
const DefaultConfigFile = "warden.yaml"

// FileCacheConfig controls the persisted fingerprint cache.
type FileCacheConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	MaxAgeHours int    `mapstructure:"max_age_hours"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
}

// CacheConfig wraps cache backends. Only the file backend exists today.
type CacheConfig struct {
	File FileCacheConfig `mapstructure:"file"`
}

// DaemonConfig controls the periodic cycle loop. Interval is the
// legacy spelling of IntervalMin; both are minutes and interval_min
// wins when both are set. The alias is resolved in Load.
type DaemonConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Interval    int  `mapstructure:"interval"`
	IntervalMin int  `mapstructure:"interval_min"`
}

// LoggingConfig is the per-integration minimum level for each channel.
type LoggingConfig struct {
	LogLevelFile   string `mapstructure:"log_level_file"`
	LogLevelStdout string `mapstructure:"log_level_stdout"`
	LogLevelSyslog string `mapstructure:"log_level_syslog"`
}

// TicketingConfig holds the per-provider ticket defaults.
type TicketingConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	DefaultPriority       string `mapstructure:"default_priority"`
	DefaultType           string `mapstructure:"default_type"`
	TargetQueue           string `mapstructure:"target_queue"`
	TargetQueueEscalation string `mapstructure:"target_queue_escalation"`
}

// IntegrationConfig declares one external system.
type IntegrationConfig struct {
	Type        string            `mapstructure:"type"`
	Enabled     bool              `mapstructure:"enabled"`
	BaseURL     string            `mapstructure:"base_url"`
	VerifyCerts *bool             `mapstructure:"verify_certs"` // nil = true
	Credentials map[string]string `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Ticketing   TicketingConfig   `mapstructure:"ticketing"`
}

// TriggerConfig mirrors playbook.Trigger in config form.
type TriggerConfig struct {
	Sources      []string `mapstructure:"sources"`
	MinSeverity  int      `mapstructure:"min_severity"`
	RuleIDPrefix string   `mapstructure:"rule_id_prefix"`
	NameContains string   `mapstructure:"name_contains"`
}

// ActionConfig is one step of a playbook chain.
type ActionConfig struct {
	Type      string   `mapstructure:"type"` // enrich, ticket, notify
	Providers []string `mapstructure:"providers"`
	Provider  string   `mapstructure:"provider"`
	Escalate  bool     `mapstructure:"escalate"`
}

// PlaybookConfig declares one playbook keyed by its ID.
type PlaybookConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Trigger TriggerConfig  `mapstructure:"trigger"`
	Actions []ActionConfig `mapstructure:"actions"`
}

// SetupConfig holds install-time toggles.
type SetupConfig struct {
	LoadEnvironmentVariables bool `mapstructure:"load_environment_variables"`
}

// Config is the full orchestration configuration. Immutable after Load.
type Config struct {
	Cache        CacheConfig                  `mapstructure:"cache"`
	Daemon       DaemonConfig                 `mapstructure:"daemon"`
	Integrations map[string]IntegrationConfig `mapstructure:"integrations"`
	Playbooks    map[string]PlaybookConfig    `mapstructure:"playbooks"`
	Setup        SetupConfig                  `mapstructure:"setup"`
}

// typeCapabilities maps an integration type to the roles it can fill.
var typeCapabilities = map[string][]integration.Capability{
	"elastic_siem": {integration.CapDetectionSource},
	"ibm_qradar":   {integration.CapDetectionSource, integration.CapContextProvider},
	"virustotal":   {integration.CapContextProvider},
	"znuny":        {integration.CapTicketingProvider},
	"slack":        {integration.CapNotificationProvider},
}

var validLogLevels = map[string]bool{
	"": true, "none": true, "debug": true, "info": true,
	"warning": true, "error": true, "critical": true,
}

// Load reads the YAML file at path and returns the parsed configuration.
// Environment variables with prefix WARDEN_ override file values unless
// setup.load_environment_variables is false.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("setup.load_environment_variables", true)
	v.SetDefault("cache.file.enabled", true)
	v.SetDefault("cache.file.path", "fingerprints.jsonl")
	v.SetDefault("cache.file.max_age_hours", 168)
	v.SetDefault("cache.file.max_size_mb", 32)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if v.GetBool("setup.load_environment_variables") {
		v.SetEnvPrefix("WARDEN")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.Daemon.IntervalMin == 0 {
		c.Daemon.IntervalMin = c.Daemon.Interval
	}
	if c.Daemon.IntervalMin == 0 {
		c.Daemon.IntervalMin = 5
	}
	return &c, nil
}

// Validate checks the configuration for correctness. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Cache.File.Enabled && c.Cache.File.Path == "" {
		errs = append(errs, errors.New("cache.file.path is required when cache.file.enabled"))
	}
	if c.Cache.File.MaxAgeHours < 0 {
		errs = append(errs, fmt.Errorf("invalid cache.file.max_age_hours %d (must be >= 0)", c.Cache.File.MaxAgeHours))
	}
	if c.Cache.File.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("invalid cache.file.max_size_mb %d (must be >= 0)", c.Cache.File.MaxSizeMB))
	}
	if c.Daemon.Enabled && c.Daemon.IntervalMin < 1 {
		errs = append(errs, fmt.Errorf("invalid daemon.interval_min %d (must be >= 1)", c.Daemon.IntervalMin))
	}

	sources := 0
	for name, ic := range c.Integrations {
		caps, ok := typeCapabilities[ic.Type]
		if !ok {
			errs = append(errs, fmt.Errorf("integration %s: unknown type %q", name, ic.Type))
			continue
		}
		for _, lvl := range []string{ic.Logging.LogLevelFile, ic.Logging.LogLevelStdout, ic.Logging.LogLevelSyslog} {
			if !validLogLevels[strings.ToLower(lvl)] {
				errs = append(errs, fmt.Errorf("integration %s: unknown log level %q", name, lvl))
			}
		}
		if ic.Ticketing.Enabled && !hasCapability(caps, integration.CapTicketingProvider) {
			errs = append(errs, fmt.Errorf("integration %s: type %q cannot provide ticketing", name, ic.Type))
		}
		if ic.Enabled && hasCapability(caps, integration.CapDetectionSource) {
			sources++
		}
	}
	if sources == 0 {
		errs = append(errs, errors.New("no enabled detection sources configured"))
	}

	for id, pc := range c.Playbooks {
		if _, err := playbook.ParseOrder(id); err != nil {
			errs = append(errs, fmt.Errorf("playbook %s: %w", id, err))
		}
		if pc.Trigger.MinSeverity < 0 || pc.Trigger.MinSeverity > 100 {
			errs = append(errs, fmt.Errorf("playbook %s: invalid trigger.min_severity %d (must be 0..100)", id, pc.Trigger.MinSeverity))
		}
		if len(pc.Actions) == 0 {
			errs = append(errs, fmt.Errorf("playbook %s: no actions", id))
		}
		for i, a := range pc.Actions {
			switch a.Type {
			case "enrich":
				if len(a.Providers) == 0 {
					errs = append(errs, fmt.Errorf("playbook %s action %d: enrich needs providers", id, i))
				}
				for _, p := range a.Providers {
					errs = append(errs, c.requireIntegration(id, i, p)...)
				}
			case "ticket", "notify":
				if a.Provider == "" {
					errs = append(errs, fmt.Errorf("playbook %s action %d: %s needs a provider", id, i, a.Type))
				} else {
					errs = append(errs, c.requireIntegration(id, i, a.Provider)...)
				}
			default:
				errs = append(errs, fmt.Errorf("playbook %s action %d: unknown type %q", id, i, a.Type))
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Config) requireIntegration(id string, action int, name string) []error {
	if _, ok := c.Integrations[name]; !ok {
		return []error{fmt.Errorf("playbook %s action %d: integration %q not configured", id, action, name)}
	}
	return nil
}

func hasCapability(caps []integration.Capability, want integration.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// Descriptors builds integration descriptors in stable name order.
func (c *Config) Descriptors() []integration.Descriptor {
	names := make([]string, 0, len(c.Integrations))
	for name := range c.Integrations {
		names = append(names, name)
	}
	sort.Strings(names)

	ds := make([]integration.Descriptor, 0, len(names))
	for _, name := range names {
		ic := c.Integrations[name]
		verify := true
		if ic.VerifyCerts != nil {
			verify = *ic.VerifyCerts
		}
		ds = append(ds, integration.Descriptor{
			Name:         name,
			Type:         ic.Type,
			Capabilities: typeCapabilities[ic.Type],
			Enabled:      ic.Enabled,
			Credentials:  ic.Credentials,
			Logging: integration.LogLevels{
				File:   ic.Logging.LogLevelFile,
				Stdout: ic.Logging.LogLevelStdout,
				Syslog: ic.Logging.LogLevelSyslog,
			},
			Transport: integration.Transport{
				BaseURL:     ic.BaseURL,
				VerifyCerts: verify,
			},
		})
	}
	return ds
}

// CacheOptions converts the cache section into fpcache options. A
// disabled file backend keeps the cache purely in-memory.
func (c *Config) CacheOptions() fpcache.Options {
	opts := fpcache.Options{
		MaxAge:   time.Duration(c.Cache.File.MaxAgeHours) * time.Hour,
		MaxBytes: int64(c.Cache.File.MaxSizeMB) * 1024 * 1024,
	}
	if c.Cache.File.Enabled {
		opts.Path = c.Cache.File.Path
	}
	return opts
}

// TicketingDefaults collects per-provider ticket defaults for every
// integration with a ticketing block.
func (c *Config) TicketingDefaults() map[string]ticketing.Defaults {
	out := make(map[string]ticketing.Defaults)
	for name, ic := range c.Integrations {
		if !ic.Ticketing.Enabled {
			continue
		}
		out[name] = ticketing.Defaults{
			Enabled:               true,
			DefaultPriority:       ic.Ticketing.DefaultPriority,
			DefaultType:           ic.Ticketing.DefaultType,
			TargetQueue:           ic.Ticketing.TargetQueue,
			TargetQueueEscalation: ic.Ticketing.TargetQueueEscalation,
		}
	}
	return out
}

// BuildPlaybooks converts the playbook section into engine playbooks.
// Ordering is derived from the numeric prefix of each ID.
func (c *Config) BuildPlaybooks() ([]playbook.Playbook, error) {
	out := make([]playbook.Playbook, 0, len(c.Playbooks))
	for id, pc := range c.Playbooks {
		order, err := playbook.ParseOrder(id)
		if err != nil {
			return nil, fmt.Errorf("playbook %s: %w", id, err)
		}
		p := playbook.Playbook{
			ID:      id,
			Order:   order,
			Enabled: pc.Enabled,
			Trigger: playbook.Trigger{
				Sources:      pc.Trigger.Sources,
				MinSeverity:  pc.Trigger.MinSeverity,
				RuleIDPrefix: pc.Trigger.RuleIDPrefix,
				NameContains: pc.Trigger.NameContains,
			},
		}
		for _, a := range pc.Actions {
			switch a.Type {
			case "enrich":
				p.Actions = append(p.Actions, playbook.Action{
					Kind:   playbook.ActionEnrich,
					Enrich: &playbook.EnrichStep{Providers: a.Providers},
				})
			case "ticket":
				p.Actions = append(p.Actions, playbook.Action{
					Kind:   playbook.ActionTicket,
					Ticket: &playbook.TicketStep{Provider: a.Provider, Escalate: a.Escalate},
				})
			case "notify":
				p.Actions = append(p.Actions, playbook.Action{
					Kind:   playbook.ActionNotify,
					Notify: &playbook.NotifyStep{Provider: a.Provider},
				})
			default:
				return nil, fmt.Errorf("playbook %s: unknown action type %q", id, a.Type)
			}
		}
		out = append(out, p)
	}
	playbook.SortByOrder(out)
	return out, nil
}

// DaemonInterval returns the loop interval for daemon mode.
func (c *Config) DaemonInterval() time.Duration {
	return time.Duration(c.Daemon.IntervalMin) * time.Minute
}
