package detection

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ComputeFingerprint derives the deduplication fingerprint for a
// detection: a deterministic hash over the source integration name, the
// rule/signature id and the sorted entity identifiers. Timestamps and
// free-text fields are deliberately excluded so repeated occurrences of
// the same underlying condition hash identically.
func ComputeFingerprint(d *Detection) string {
	h := xxhash.New()

	// separator avoids ambiguity between adjacent fields
	_, _ = h.WriteString(d.Source)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(d.Rule.ID)
	_, _ = h.WriteString("\x00")

	keys := make([]string, 0, len(d.Entities))
	for k := range d.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(d.Entities[k])
		_, _ = h.WriteString("\x00")
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
