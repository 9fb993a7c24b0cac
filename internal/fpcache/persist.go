package fpcache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/linnemanlabs/go-core/log"
)

// maxRecordBytes caps a single persisted record. A line beyond this is
// corruption, not data.
const maxRecordBytes = 1 << 20

// Load reads the persisted cache state. Corruption is never fatal:
// records that fail to parse are dropped, an unreadable file starts the
// cache empty, and both are logged as warnings because duplicate-ticket
// suppression is weakened until the cache repopulates.
func (c *Cache) Load(ctx context.Context, L log.Logger) error {
	if c.opts.Path == "" {
		return nil
	}

	f, err := os.Open(c.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		L.Warn(ctx, "fingerprint cache unreadable, starting empty",
			"path", c.opts.Path, "error", err)
		return nil
	}
	defer func() { _ = f.Close() }()

	c.mu.Lock()
	defer c.mu.Unlock()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	var loaded int
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Fingerprint == "" {
			c.dropped++
			continue
		}
		e.ApproxSize = int64(len(line)) + 1
		cp := e
		c.entries[e.Fingerprint] = &cp
		c.total += cp.ApproxSize
		loaded++
	}
	if err := sc.Err(); err != nil {
		L.Warn(ctx, "fingerprint cache truncated mid-read, keeping partial state",
			"path", c.opts.Path, "loaded", loaded, "error", err)
	}
	if c.dropped > 0 {
		L.Warn(ctx, "dropped unparseable fingerprint cache records",
			"path", c.opts.Path, "dropped", c.dropped)
	}

	c.evict()

	L.Info(ctx, "fingerprint cache loaded",
		"path", c.opts.Path, "entries", len(c.entries), "bytes", c.total)
	return nil
}

// Flush writes the cache durably as one JSON record per line, to a
// temporary file that replaces the previous state only after a
// successful sync. A crash mid-flush therefore cannot corrupt
// previously valid state.
func (c *Cache) Flush(ctx context.Context) error {
	if c.opts.Path == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.opts.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("fpcache: create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.opts.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fpcache: create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // no-op after successful rename
	}()

	w := bufio.NewWriter(tmp)
	for _, e := range c.entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("fpcache: marshal entry %s: %w", e.Fingerprint, err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("fpcache: write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("fpcache: flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fpcache: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fpcache: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.opts.Path); err != nil {
		return fmt.Errorf("fpcache: replace cache file: %w", err)
	}
	return nil
}
