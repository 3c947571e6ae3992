// Package diversity computes the two interchangeable distance metrics used
// to decide whether a candidate input is diverse enough to displace an
// existing representative for the same edge and hit-count bucket: the
// multi-object normalized compression distance (NCDm) and classical
// normalized Levenshtein edit distance. Exactly one metric is active for a
// given run, selected by [Mode].
package diversity

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/flate"
)

// Mode names the active diversity measure for a run, corresponding to the
// PATH_DIVERSITY / LEVENSHTEIN_DIST build switches of the system this
// module descends from; here it is runtime configuration instead of a
// compile-time one (see the config package's DiversityMode).
type Mode uint8

const (
	// NCDm selects normalized compression distance across the whole
	// candidate set sharing an (edge, bucket) cell. Default, K=CapNCDm.
	NCDm Mode = iota
	// Levenshtein selects classical normalized edit distance between
	// exactly two entries. K=CapLevenshtein.
	Levenshtein
)

// CapNCDm and CapLevenshtein are the per-cell capacity K associated with
// each mode.
const (
	CapNCDm        = 32
	CapLevenshtein = 2
)

// Cap returns the EdgeCell capacity K for m.
func (m Mode) Cap() int {
	if m == Levenshtein {
		return CapLevenshtein
	}

	return CapNCDm
}

// MaxScore is the upper bound both metrics are defined to return.
const MaxScore = 1.0

// ErrScoreOutOfRange is returned by both scoring functions if the computed
// value falls outside [0, MaxScore]. Callers must treat this as fatal: it
// indicates a logic error in the compressor or DP table, not a bad input.
var ErrScoreOutOfRange = fmt.Errorf("diversity: score outside [0, %.1f]", MaxScore)

// Metric owns the reusable scratch buffers a hot insertion-decision loop
// needs so scoring an EdgeCell's candidate set repeatedly doesn't allocate
// per comparison. The compress/concat buffers are bytes.Buffer values that
// grow on demand and are only reset, never shrunk; prevLongest records the
// largest demand seen, rounded up to the next power of two and multiplied
// by four, per the "global scratch for compression" design note this
// package follows.
type Metric struct {
	mode Mode

	compress     bytes.Buffer
	concat       bytes.Buffer
	prevLongest  int
	prevRow      []int
	currRow      []int
}

// New constructs a Metric in the given mode.
func New(mode Mode) *Metric {
	return &Metric{mode: mode}
}

// Mode reports the active mode.
func (m *Metric) Mode() Mode { return m.mode }

// Cap reports the EdgeCell capacity K for the active mode.
func (m *Metric) Cap() int { return m.mode.Cap() }

// growScratch tracks the largest demand seen so far purely for the
// monotonic-growth boundary test (§8 "scratch growth"); the actual buffers
// used for compression are bytes.Buffer and already grow on demand, but
// prevLongest is the externally observable "always a power of two, never
// shrinks" contract.
func (m *Metric) growScratch(demand int) {
	if demand <= m.prevLongest {
		return
	}

	next := 1
	for next < demand {
		next <<= 1
	}

	m.prevLongest = next * 4
}

// compressedLen returns C(x): the length of data after compression with a
// fixed compressor configuration. A fresh flate.Writer per call is cheap
// relative to the execution this score gates.
func (m *Metric) compressedLen(data []byte) (int, error) {
	m.growScratch(len(data))

	m.compress.Reset()

	w, err := flate.NewWriter(&m.compress, flate.BestSpeed)
	if err != nil {
		return 0, fmt.Errorf("diversity: new flate writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("diversity: compress: %w", err)
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("diversity: flush compressor: %w", err)
	}

	return m.compress.Len(), nil
}

// NCDm computes the multi-object normalized compression distance over
// entries (the full candidate set, e.g. (cell.entries \ {evictee}) ∪
// {candidate}):
//
//	fullC      = C(e1 ∥ e2 ∥ … ∥ en)
//	minC       = min_i C(ei)
//	maxSubsetC = max_i C(concat of entries without ei)
//	NCDm       = (fullC - minC) / maxSubsetC, or 0 if maxSubsetC == 0
//
// A set of fewer than 2 entries scores 0: there is nothing to diverge from.
func (m *Metric) NCDm(entries [][]byte) (float64, error) {
	if len(entries) < 2 {
		return 0, nil
	}

	m.concat.Reset()

	for _, e := range entries {
		m.concat.Write(e)
	}

	fullC, err := m.compressedLen(append([]byte(nil), m.concat.Bytes()...))
	if err != nil {
		return 0, err
	}

	minC := -1

	for _, e := range entries {
		c, err := m.compressedLen(e)
		if err != nil {
			return 0, err
		}

		if minC < 0 || c < minC {
			minC = c
		}
	}

	maxSubsetC := 0

	for skip := range entries {
		m.concat.Reset()

		for i, e := range entries {
			if i == skip {
				continue
			}

			m.concat.Write(e)
		}

		c, err := m.compressedLen(append([]byte(nil), m.concat.Bytes()...))
		if err != nil {
			return 0, err
		}

		if c > maxSubsetC {
			maxSubsetC = c
		}
	}

	if maxSubsetC == 0 {
		return 0, nil
	}

	score := float64(fullC-minC) / float64(maxSubsetC)

	if score < 0 || score > MaxScore {
		return 0, fmt.Errorf("%w: got %f", ErrScoreOutOfRange, score)
	}

	return score, nil
}

// Levenshtein computes the classical edit distance between a and b,
// normalized by the length of the longer string, using a two-row dynamic
// program so memory stays O(min(len(a), len(b))) regardless of input size.
// Two empty strings, or byte-equal strings, score 0.
func (m *Metric) Levenshtein(a, b []byte) (float64, error) {
	if len(a) == 0 && len(b) == 0 {
		return 0, nil
	}

	if bytes.Equal(a, b) {
		return 0, nil
	}

	if len(a) < len(b) {
		a, b = b, a
	}

	m.growScratch(len(a))

	width := len(b) + 1

	if cap(m.prevRow) < width {
		m.prevRow = make([]int, width)
		m.currRow = make([]int, width)
	}

	prev := m.prevRow[:width]
	curr := m.currRow[:width]

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost

			curr[j] = minInt(del, minInt(ins, sub))
		}

		prev, curr = curr, prev
	}

	dist := prev[len(b)]
	maxLen := len(a)

	score := float64(dist) / float64(maxLen)

	if score < 0 || score > MaxScore {
		return 0, fmt.Errorf("%w: got %f", ErrScoreOutOfRange, score)
	}

	return score, nil
}

// Score dispatches to NCDm or Levenshtein based on the active mode. For
// Levenshtein mode, entries must have length exactly 2.
func (m *Metric) Score(entries [][]byte) (float64, error) {
	if m.mode == Levenshtein {
		if len(entries) != 2 {
			return 0, fmt.Errorf("diversity: levenshtein mode requires exactly 2 entries, got %d", len(entries))
		}

		return m.Levenshtein(entries[0], entries[1])
	}

	return m.NCDm(entries)
}

// PrevLongest reports the current monotonic scratch high-water mark,
// exposed only so tests can assert it never shrinks and is always a power
// of two times the headroom multiplier.
func (m *Metric) PrevLongest() int { return m.prevLongest }

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
