// Package telemetry holds the user-visible counters named in spec.md §7
// and renders them into a human-readable status line for `corpusd status`
// and any embedding UI.
package telemetry

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Counters is the exact set named in spec.md §7, updated at the points
// described in spec.md §4.6.
type Counters struct {
	TotalCrashes           uint64
	UniqueCrashes          uint64
	TotalTmouts            uint64
	UniqueHangs            uint64
	QueuedPaths            uint64
	QueuedFavored          uint64
	QueuedWithCov          uint64
	DiscoveredEdgeEntries  uint64
	PendingEdgeEntries     uint64

	// ExecCount and BitmapBytes are not named in §7 but are carried
	// ambient status used only for rendering (execs/sec-style displays
	// and corpus size), not part of the invariant contract.
	ExecCount   uint64
	BitmapBytes uint64
}

// RecordQueued updates the counters for a newly persisted queue entry.
func (c *Counters) RecordQueued(favored, withCov bool) {
	c.QueuedPaths++

	if favored {
		c.QueuedFavored++
	}

	if withCov {
		c.QueuedWithCov++
	}
}

// RecordCrash updates the counters for a crash execution. unique should be
// true only when has_new_bits reported novelty on the crash virgin map.
func (c *Counters) RecordCrash(unique bool) {
	c.TotalCrashes++

	if unique {
		c.UniqueCrashes++
	}
}

// RecordTimeout updates the counters for a timeout execution. unique
// mirrors RecordCrash's semantics against the timeout virgin map.
func (c *Counters) RecordTimeout(unique bool) {
	c.TotalTmouts++

	if unique {
		c.UniqueHangs++
	}
}

// Status renders a single human-readable line, in the spirit of the
// teacher CLI's plain stderr status output, using go-humanize for byte and
// count formatting.
func (c Counters) Status() string {
	var b strings.Builder

	fmt.Fprintf(&b, "paths: %s", humanize.Comma(int64(c.QueuedPaths)))
	fmt.Fprintf(&b, " (favored: %s, with_cov: %s)", humanize.Comma(int64(c.QueuedFavored)), humanize.Comma(int64(c.QueuedWithCov)))
	fmt.Fprintf(&b, " | edges: %s discovered, %s pending", humanize.Comma(int64(c.DiscoveredEdgeEntries)), humanize.Comma(int64(c.PendingEdgeEntries)))
	fmt.Fprintf(&b, " | crashes: %s/%s unique", humanize.Comma(int64(c.UniqueCrashes)), humanize.Comma(int64(c.TotalCrashes)))
	fmt.Fprintf(&b, " | hangs: %s/%s unique", humanize.Comma(int64(c.UniqueHangs)), humanize.Comma(int64(c.TotalTmouts)))
	fmt.Fprintf(&b, " | bitmap: %s", humanize.Bytes(c.BitmapBytes))

	return b.String()
}
