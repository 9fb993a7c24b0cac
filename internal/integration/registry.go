package integration

import (
	"fmt"
)

// Registry holds integration descriptors and their constructed clients,
// keyed by capability. Declaration order from configuration is
// preserved for ListEnabled. The registry is populated once at startup
// and read-only afterwards.
type Registry struct {
	order       []string
	descriptors map[string]Descriptor

	sources   map[string]DetectionSource
	providers map[string]ContextProvider
	ticketers map[string]TicketingProvider
	notifiers map[string]NotificationProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		sources:     make(map[string]DetectionSource),
		providers:   make(map[string]ContextProvider),
		ticketers:   make(map[string]TicketingProvider),
		notifiers:   make(map[string]NotificationProvider),
	}
}

// Register adds a descriptor and its client. The client must implement
// every capability the descriptor declares; a descriptor declaring a
// capability its client cannot serve is a wiring bug, not a runtime
// condition, so it is an error.
func (r *Registry) Register(d Descriptor, client any) error {
	if d.Name == "" {
		return fmt.Errorf("integration descriptor without a name")
	}
	if _, dup := r.descriptors[d.Name]; dup {
		return fmt.Errorf("integration %q registered twice", d.Name)
	}

	for _, c := range d.Capabilities {
		switch c {
		case CapDetectionSource:
			src, ok := client.(DetectionSource)
			if !ok {
				return fmt.Errorf("integration %q declares %s but client does not implement it", d.Name, c)
			}
			r.sources[d.Name] = src
		case CapContextProvider:
			p, ok := client.(ContextProvider)
			if !ok {
				return fmt.Errorf("integration %q declares %s but client does not implement it", d.Name, c)
			}
			r.providers[d.Name] = p
		case CapTicketingProvider:
			tp, ok := client.(TicketingProvider)
			if !ok {
				return fmt.Errorf("integration %q declares %s but client does not implement it", d.Name, c)
			}
			r.ticketers[d.Name] = tp
		case CapNotificationProvider:
			np, ok := client.(NotificationProvider)
			if !ok {
				return fmt.Errorf("integration %q declares %s but client does not implement it", d.Name, c)
			}
			r.notifiers[d.Name] = np
		default:
			return fmt.Errorf("integration %q declares unknown capability %q", d.Name, c)
		}
	}

	r.order = append(r.order, d.Name)
	r.descriptors[d.Name] = d
	return nil
}

// CapabilitiesOf returns the capability set declared by the named
// integration, or nil if unknown.
func (r *Registry) CapabilitiesOf(name string) []Capability {
	d, ok := r.descriptors[name]
	if !ok {
		return nil
	}
	out := make([]Capability, len(d.Capabilities))
	copy(out, d.Capabilities)
	return out
}

// Descriptor returns the descriptor for the named integration.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// ListEnabled returns the descriptors of enabled integrations holding
// the given capability, in declaration order.
func (r *Registry) ListEnabled(c Capability) []Descriptor {
	var out []Descriptor
	for _, name := range r.order {
		d := r.descriptors[name]
		if d.Enabled && d.Has(c) {
			out = append(out, d)
		}
	}
	return out
}

// Source returns the detection source client for the named integration.
func (r *Registry) Source(name string) (DetectionSource, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Provider returns the context provider client for the named integration.
func (r *Registry) Provider(name string) (ContextProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Ticketer returns the ticketing client for the named integration.
func (r *Registry) Ticketer(name string) (TicketingProvider, bool) {
	t, ok := r.ticketers[name]
	return t, ok
}

// Notifier returns the notification client for the named integration.
func (r *Registry) Notifier(name string) (NotificationProvider, bool) {
	n, ok := r.notifiers[name]
	return n, ok
}

// EnabledSources returns the detection source clients of all enabled
// source integrations, in declaration order.
func (r *Registry) EnabledSources() []DetectionSource {
	var out []DetectionSource
	for _, d := range r.ListEnabled(CapDetectionSource) {
		if s, ok := r.sources[d.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}
