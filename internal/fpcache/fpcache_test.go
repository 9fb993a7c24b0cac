package fpcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
)

func TestLookup_MissAndHit(t *testing.T) {
	t.Parallel()

	c := New(Options{MaxAge: time.Hour})

	if _, ok := c.Lookup("fp-1"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	c.Record("fp-1", &integration.TicketRef{ID: "T#100", Queue: "SOC"})

	e, ok := c.Lookup("fp-1")
	if !ok {
		t.Fatal("expected hit after Record")
	}
	if e.Ticket == nil || e.Ticket.ID != "T#100" {
		t.Errorf("ticket ref = %+v, want T#100", e.Ticket)
	}
	if e.Hits != 1 {
		t.Errorf("hits = %d, want 1", e.Hits)
	}
}

func TestLookup_LazyExpiry(t *testing.T) {
	t.Parallel()

	c := New(Options{MaxAge: time.Hour})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Record("fp-1", nil)

	c.now = func() time.Time { return base.Add(59 * time.Minute) }
	if _, ok := c.Lookup("fp-1"); !ok {
		t.Fatal("entry inside max age must be a hit")
	}

	c.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, ok := c.Lookup("fp-1"); ok {
		t.Fatal("entry beyond max age must be treated as absent")
	}
	// physically still present until the next eviction pass
	if c.Len() != 1 {
		t.Errorf("expired entry removed eagerly, len = %d", c.Len())
	}
}

func TestRecord_RefreshKeepsTicket(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	c.Record("fp-1", &integration.TicketRef{ID: "T#100"})
	c.Record("fp-1", nil) // duplicate occurrence refreshes, keeps link

	e, ok := c.Lookup("fp-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Ticket == nil || e.Ticket.ID != "T#100" {
		t.Errorf("refresh dropped ticket link: %+v", e.Ticket)
	}
	if e.Hits != 2 {
		t.Errorf("hits = %d, want 2", e.Hits)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1 (at most one active entry per fingerprint)", c.Len())
	}
}

func TestEvict_OldestLastSeenFirst(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		i := i
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		c.Record(fmt.Sprintf("fp-%02d", i), nil)
	}

	// set the bound just below the current total: exactly one entry,
	// the oldest, must go
	c.opts.MaxBytes = c.SizeBytes() - 1
	c.now = func() time.Time { return base.Add(time.Hour) }
	c.Record("fp-00", nil) // refresh makes fp-00 newest; fp-01 is now oldest

	if c.SizeBytes() > c.opts.MaxBytes {
		t.Errorf("size %d exceeds bound %d after insertion", c.SizeBytes(), c.opts.MaxBytes)
	}
	if _, ok := c.Lookup("fp-01"); ok {
		t.Error("oldest entry fp-01 should have been evicted")
	}
	if _, ok := c.Lookup("fp-00"); !ok {
		t.Error("freshly refreshed entry must survive eviction")
	}
}

func TestEvict_SizeBoundHolds(t *testing.T) {
	t.Parallel()

	c := New(Options{MaxBytes: 2048})
	for i := 0; i < 200; i++ {
		c.Record(fmt.Sprintf("fp-%03d", i), &integration.TicketRef{ID: fmt.Sprintf("T#%d", i)})
		if got := c.SizeBytes(); got > 2048 {
			t.Fatalf("size bound violated after insert %d: %d bytes", i, got)
		}
	}
	if c.Len() == 0 {
		t.Fatal("cache emptied itself, bound too aggressive")
	}
}

func TestFlushLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fpcache.jsonl")

	c := New(Options{Path: path, MaxAge: time.Hour})
	c.Record("fp-a", &integration.TicketRef{ID: "T#1", Queue: "SOC"})
	c.Record("fp-b", nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	re := New(Options{Path: path, MaxAge: time.Hour})
	if err := re.Load(context.Background(), log.Nop()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if re.Len() != 2 {
		t.Fatalf("reloaded entries = %d, want 2", re.Len())
	}
	e, ok := re.Lookup("fp-a")
	if !ok {
		t.Fatal("fp-a missing after reload")
	}
	if e.Ticket == nil || e.Ticket.ID != "T#1" {
		t.Errorf("ticket link lost across restart: %+v", e.Ticket)
	}
}

func TestLoad_CorruptRecordsDropped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fpcache.jsonl")
	content := `{"fingerprint":"fp-good","last_seen":"2026-08-01T10:00:00Z"}
this is not json
{"last_seen":"2026-08-01T10:00:00Z"}
{"fingerprint":"fp-good2","last_seen":"2026-08-01T10:00:00Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c := New(Options{Path: path})
	if err := c.Load(context.Background(), log.Nop()); err != nil {
		t.Fatalf("load must not fail on corrupt records: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("entries = %d, want 2 (corrupt lines dropped)", c.Len())
	}
	if st := c.Snapshot(); st.DroppedOnLoad != 2 {
		t.Errorf("dropped = %d, want 2", st.DroppedOnLoad)
	}
}

func TestLoad_MissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	c := New(Options{Path: filepath.Join(t.TempDir(), "nope.jsonl")})
	if err := c.Load(context.Background(), log.Nop()); err != nil {
		t.Fatalf("load of missing file: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestFlush_ReplacesAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fpcache.jsonl")
	c := New(Options{Path: path})
	c.Record("fp-a", nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	c.Record("fp-b", nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	// no temp files left behind
	matches, err := filepath.Glob(path + ".tmp-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}
