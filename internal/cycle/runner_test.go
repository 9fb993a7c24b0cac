package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/integration"
	"github.com/linnemanlabs/warden/internal/normalize"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

// fakeSource emits canned events, optionally blocking until released.
type fakeSource struct {
	name    string
	events  []integration.RawEvent
	err     error
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	polls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Poll(ctx context.Context) ([]integration.RawEvent, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.events, f.err
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// fakeTicketer records creates and updates, optionally failing both.
type fakeTicketer struct {
	mu      sync.Mutex
	fail    bool
	created []integration.TicketSpec
	notes   []string
}

func (f *fakeTicketer) Name() string { return "znuny" }

func (f *fakeTicketer) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeTicketer) CreateTicket(_ context.Context, spec integration.TicketSpec) (integration.TicketRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return integration.TicketRef{}, errors.New("backend down")
	}
	f.created = append(f.created, spec)
	return integration.TicketRef{ID: fmt.Sprintf("T#%d", len(f.created)), Queue: spec.Queue}, nil
}

func (f *fakeTicketer) UpdateTicket(_ context.Context, _ integration.TicketRef, upd integration.TicketUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("backend down")
	}
	f.notes = append(f.notes, upd.Note)
	return nil
}

func (f *fakeTicketer) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTicketer) noteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func sensorEvent(host string) integration.RawEvent {
	payload := fmt.Sprintf(`{"rule":{"id":"r-1","name":"Beacon"},"severity":80,"host":%q}`, host)
	return integration.RawEvent{Source: "sensor", Payload: json.RawMessage(payload)}
}

type harness struct {
	sources  []*fakeSource
	ticketer *fakeTicketer
	cache    *fpcache.Cache
}

func (h *harness) runner(t *testing.T, hooks Hooks) *Runner {
	t.Helper()

	r := integration.NewRegistry()
	for _, src := range h.sources {
		d := integration.Descriptor{
			Name:         src.name,
			Capabilities: []integration.Capability{integration.CapDetectionSource},
			Enabled:      true,
		}
		if err := r.Register(d, src); err != nil {
			t.Fatalf("register %s: %v", src.name, err)
		}
	}
	d := integration.Descriptor{
		Name:         "znuny",
		Capabilities: []integration.Capability{integration.CapTicketingProvider},
		Enabled:      true,
	}
	if err := r.Register(d, h.ticketer); err != nil {
		t.Fatalf("register znuny: %v", err)
	}

	nz := normalize.New(log.Nop())
	nz.SetMapping("sensor", normalize.Mapping{
		Name:     "rule.name",
		RuleID:   "rule.id",
		RuleName: "rule.name",
		Severity: "severity",
		Entities: map[string]string{"host": "host"},
	})

	dispatcher := enrich.New(r, log.Nop(), time.Second, enrich.Hooks{})
	defaults := map[string]ticketing.Defaults{
		"znuny": {Enabled: true, DefaultPriority: "3 normal", DefaultType: "Incident", TargetQueue: "SOC"},
	}
	executor := ticketing.New(r, h.cache, defaults, log.Nop(), ticketing.Hooks{})
	executor.RetryInterval = time.Millisecond
	sink := notify.New(r, log.Nop(), notify.Hooks{})

	pbs := []playbook.Playbook{{
		ID: "PB_010_generic_alert_handling", Order: 10, Enabled: true,
		Trigger: playbook.Trigger{Sources: []string{"sensor"}},
		Actions: []playbook.Action{{Kind: playbook.ActionTicket, Ticket: &playbook.TicketStep{Provider: "znuny"}}},
	}}
	eng, err := playbook.NewEngine(pbs, dispatcher, executor, sink, log.Nop(), playbook.EngineHooks{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return NewRunner(r, nz, h.cache, eng, executor, log.Nop(), hooks)
}

func newHarness(sources ...*fakeSource) *harness {
	return &harness{
		sources:  sources,
		ticketer: &fakeTicketer{},
		cache:    fpcache.New(fpcache.Options{MaxAge: time.Hour}),
	}
}

func TestRun_FullCycle(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1"), sensorEvent("db-1")}}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := Summary{Polled: 2, Processed: 2, Ticketed: 2}
	if s != want {
		t.Fatalf("summary = %+v, want %+v", s, want)
	}
	if got := h.ticketer.createCount(); got != 2 {
		t.Errorf("tickets created = %d, want 2", got)
	}
	if got := h.cache.Len(); got != 2 {
		t.Errorf("cache entries = %d, want 2", got)
	}
}

func TestRun_DuplicateFastPath(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1")}}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if s.Deduplicated != 1 || s.Processed != 0 {
		t.Fatalf("second cycle summary = %+v, want 1 deduplicated, 0 processed", s)
	}
	if got := h.ticketer.createCount(); got != 1 {
		t.Errorf("tickets created = %d, want 1 (duplicate must not create)", got)
	}
	if got := h.ticketer.noteCount(); got != 1 {
		t.Errorf("notes appended = %d, want 1", got)
	}
}

func TestRun_DuplicateWithinOneCycle(t *testing.T) {
	t.Parallel()

	// same event twice in a single poll: the first creates, the second
	// dedups against the entry recorded moments earlier
	src := &fakeSource{name: "sensor", events: []integration.RawEvent{
		sensorEvent("web-1"),
		sensorEvent("web-1"),
	}}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Processed != 1 || s.Deduplicated != 1 {
		t.Fatalf("summary = %+v, want 1 processed, 1 deduplicated", s)
	}
	if got := h.ticketer.createCount(); got != 1 {
		t.Errorf("tickets created = %d, want 1", got)
	}
	if got := h.ticketer.noteCount(); got != 1 {
		t.Errorf("notes appended = %d, want 1", got)
	}
}

func TestRun_FailedChainRetriedNextCycle(t *testing.T) {
	t.Parallel()

	// ticketing backend down for the whole first cycle: the failed
	// detection must not be cached, so the recurrence in cycle two
	// goes through the engine again and finally gets its ticket
	src := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1")}}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	h.ticketer.setFail(true)
	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if s.Failed != 1 || s.Deduplicated != 0 {
		t.Fatalf("outage cycle summary = %+v, want 1 failed, 0 deduplicated", s)
	}
	if got := h.cache.Len(); got != 0 {
		t.Fatalf("cache entries after failed chain = %d, want 0", got)
	}

	h.ticketer.setFail(false)
	s, err = r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if s.Processed != 1 || s.Ticketed != 1 || s.Deduplicated != 0 {
		t.Fatalf("recovery cycle summary = %+v, want 1 processed, 1 ticketed", s)
	}
	if got := h.ticketer.createCount(); got != 1 {
		t.Errorf("tickets created = %d, want 1", got)
	}
}

func TestRun_DeadlineWindsDownCycle(t *testing.T) {
	t.Parallel()

	// source blocks until its context dies: the cycle budget, not the
	// caller, has to end the cycle
	src := &fakeSource{name: "sensor", release: make(chan struct{})}
	h := newHarness(src)

	var outcome string
	r := h.runner(t, Hooks{OnCycle: func(o string, _ float64, _ Summary, _ fpcache.Stats) { outcome = o }})
	r.CycleTimeout = 50 * time.Millisecond

	start := time.Now()
	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cycle did not wind down at the deadline, took %s", elapsed)
	}
	if outcome != "interrupted" {
		t.Errorf("cycle outcome = %q, want interrupted", outcome)
	}
	if s.Polled != 0 {
		t.Errorf("polled = %d, want 0 from a stuck source", s.Polled)
	}
}

func TestRun_SourceFailureContained(t *testing.T) {
	t.Parallel()

	broken := &fakeSource{name: "qradar", err: errors.New("connection refused")}
	healthy := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1")}}
	h := newHarness(broken, healthy)

	outcomes := map[string]string{}
	var mu sync.Mutex
	r := h.runner(t, Hooks{OnPoll: func(source, outcome string, _ int) {
		mu.Lock()
		outcomes[source] = outcome
		mu.Unlock()
	}})

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if s.Processed != 1 {
		t.Errorf("processed = %d, want 1 (healthy source must still be handled)", s.Processed)
	}
	if outcomes["qradar"] != "error" || outcomes["sensor"] != "success" {
		t.Errorf("poll outcomes = %v", outcomes)
	}
}

func TestRun_OverlappingTriggerSkipped(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		name:    "sensor",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	started := src.started
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Run(context.Background()); err != nil {
			t.Errorf("blocked run: %v", err)
		}
	}()

	<-started
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping run error = %v, want ErrCycleRunning", err)
	}

	close(src.release)
	<-done
}

func TestRun_FlushesCacheToDisk(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1")}}
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	h := newHarness(src)
	h.cache = fpcache.New(fpcache.Options{Path: path, MaxAge: time.Hour})
	r := h.runner(t, Hooks{})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("cache file is empty")
	}
}

func TestRun_CycleHookObservesSummary(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "sensor", events: []integration.RawEvent{sensorEvent("web-1")}}
	h := newHarness(src)

	var gotOutcome string
	var gotSummary Summary
	var gotStats fpcache.Stats
	r := h.runner(t, Hooks{OnCycle: func(outcome string, _ float64, s Summary, stats fpcache.Stats) {
		gotOutcome, gotSummary, gotStats = outcome, s, stats
	}})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if gotOutcome != "success" {
		t.Errorf("outcome = %q, want success", gotOutcome)
	}
	if gotSummary.Processed != 1 || gotSummary.Ticketed != 1 {
		t.Errorf("summary = %+v", gotSummary)
	}
	if gotStats.Entries != 1 {
		t.Errorf("cache stats entries = %d, want 1", gotStats.Entries)
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "sensor"}
	h := newHarness(src)
	r := h.runner(t, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Loop(ctx, 5*time.Millisecond)
	}()

	// let at least one cycle complete before shutting down
	deadline := time.After(2 * time.Second)
	for src.pollCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("no cycle ran before deadline")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}
