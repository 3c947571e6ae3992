// Package queue owns every QueueEntry for the lifetime of a run: their
// persisted files, calibration state, and the favored/ncdm_favored cover
// flags computed by periodic set-cover passes over discovered coverage.
package queue

import (
	"fmt"
)

// Calibration holds the one-time measurement taken the first time a queue
// entry is executed: timing, bitmap size, and scheduling handicap.
//
// Performed distinguishes "calibration ran and these fields are
// meaningful" from the zero value: the system this package descends from
// reads its calibration result variable on a queueing path that does not
// always assign it first. Rather than carry that ambiguity forward, a
// Calibration is only ever consulted by callers after checking Performed.
type Calibration struct {
	ExecUS     int64
	BitmapSize int
	Handicap   int
	Failed     bool
	Performed  bool
}

// Entry is one retained corpus member.
type Entry struct {
	ID            uint64
	Testcase      []byte
	Fname         string
	InputHash     uint64
	TraceMini     []byte
	CompressedLen int
	Calibration   Calibration
	Favored       bool
	NCDMFavored   bool
	HasNewCov     bool
	WasFuzzed     bool
	Duplicates    int

	// cellEdge/cellBucket identify the owning EdgeCell by coordinate
	// rather than by pointer, per the back-pointer-by-index design note:
	// the queue never shares ownership of a cell, it only remembers
	// where one lives.
	cellEdge   uint32
	cellBucket uint8
	hasCell    bool
}

// SetCell records the (edge, bucket) coordinate of the cell this entry was
// filed under. An entry can be referenced by more than one cell across its
// lifetime in principle, but the queue only tracks the most recent one, as
// only the discovery cell matters for favored restoration.
func (e *Entry) SetCell(edge uint32, bucket uint8) {
	e.cellEdge, e.cellBucket, e.hasCell = edge, bucket, true
}

// Cell returns the (edge, bucket) coordinate set by SetCell, if any.
func (e *Entry) Cell() (edge uint32, bucket uint8, ok bool) {
	return e.cellEdge, e.cellBucket, e.hasCell
}

// Queue is the append-only vector of owned entries.
type Queue struct {
	entries []*Entry
	nextID  uint64
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Add appends a freshly constructed entry to the queue and assigns it an ID.
// The caller is responsible for persisting the file and registering the
// entry with the hash index before or after this call; Add only takes
// ownership of the in-memory record.
func (q *Queue) Add(e *Entry) *Entry {
	e.ID = q.nextID
	q.nextID++
	q.entries = append(q.entries, e)

	return e
}

// Swap replaces e's content in place: testcase bytes, filename, trace_mini,
// and compressed length, preserving e's identity, slot, and every EdgeCell
// pointer that referenced it (§8 property 7). Callers are responsible for
// the actual file rewrite and InputHashIndex move; Swap only mutates the
// in-memory record.
func (q *Queue) Swap(e *Entry, fname string, testcase, traceMini []byte, inputHash uint64, compressedLen int) {
	e.Fname = fname
	e.Testcase = testcase
	e.TraceMini = traceMini
	e.InputHash = inputHash
	e.CompressedLen = compressedLen
	e.HasNewCov = false
	e.WasFuzzed = false
}

// Entries returns the live entry slice. Callers must not retain it past a
// subsequent Add.
func (q *Queue) Entries() []*Entry {
	return q.entries
}

// Len returns the number of entries ever added (none are ever removed).
func (q *Queue) Len() int {
	return len(q.entries)
}

// NCDScorer scores a candidate running-cover set, used by SetNCDMFavored's
// tie-break. Implementations are expected to wrap diversity.Metric.Score.
type NCDScorer interface {
	Score(entries [][]byte) (float64, error)
}

// ErrCoverIncomplete is returned by SetNCDMFavored when bits remain
// uncovered by any queue entry's trace_mini: an EdgeIndex/virgin-map
// desync that callers must treat as fatal.
var ErrCoverIncomplete = fmt.Errorf("queue: favored cover incomplete: desync between queue and virgin map")

// SetNCDMFavored recomputes the ncdm_favored flag across the whole queue: a
// greedy set cover of the bits still set in discovered (the complement of
// the virgin map, i.e. "bits we have found"). Among every candidate that
// still contributes at least one new bit, the one maximizing the NCDm score
// of the running selected set plus the candidate is picked - there is no
// "most new bits" gating, matching the original set_NCDm_favored. The very
// first pick has no running set to score against, so it is chosen by
// shortest compressed_len instead, per §4.5. scorer.Score receives the
// payload bytes (TraceMini, matching the PATH_DIVERSITY=trace_mini
// configuration) of the running selection plus the candidate under
// consideration.
//
// discovered must have one bit per edge (trace_mini bit layout); it is not
// mutated. Returns ErrCoverIncomplete if, after considering every entry, any
// bit in discovered remains unset by the union of selected entries'
// trace_mini - this means the queue cannot explain coverage the virgin map
// says was found, which can only happen if the two have drifted apart.
func (q *Queue) SetNCDMFavored(discovered []byte, scorer NCDScorer) error {
	for _, e := range q.entries {
		e.NCDMFavored = false
	}

	remaining := append([]byte(nil), discovered...)

	var selectedPayloads [][]byte

	for {
		if allZero(remaining) {
			break
		}

		firstPick := len(selectedPayloads) == 0

		bestIdx := -1
		bestScore := 0.0

		for i, e := range q.entries {
			if e.NCDMFavored {
				continue
			}

			if countNewBits(remaining, e.TraceMini) == 0 {
				continue
			}

			score, err := tieBreakScore(scorer, selectedPayloads, e.TraceMini, firstPick, e.CompressedLen)
			if err != nil {
				return err
			}

			if bestIdx < 0 || score > bestScore {
				bestIdx, bestScore = i, score
			}
		}

		if bestIdx < 0 {
			return ErrCoverIncomplete
		}

		chosen := q.entries[bestIdx]
		chosen.NCDMFavored = true
		selectedPayloads = append(selectedPayloads, chosen.TraceMini)
		clearBits(remaining, chosen.TraceMini)
	}

	return nil
}

// tieBreakScore scores appending candidate's TraceMini to the running
// selection; on the very first pick (no prior selection to score against),
// the shortest compressed_len wins instead, per §4.5 - score returns a
// sortable value where lower compressedLen maps to a higher "score" so the
// same > comparison in the caller works uniformly.
func tieBreakScore(scorer NCDScorer, selected [][]byte, candidate []byte, firstPick bool, candidateCompressedLen int) (float64, error) {
	if firstPick {
		return -float64(candidateCompressedLen), nil
	}

	set := append(append([][]byte(nil), selected...), candidate)

	return scorer.Score(set)
}

func countNewBits(remaining, traceMini []byte) int {
	n := 0

	for i := 0; i < len(remaining) && i < len(traceMini); i++ {
		n += popcountByte(remaining[i] & traceMini[i])
	}

	return n
}

func clearBits(remaining, traceMini []byte) {
	for i := 0; i < len(remaining) && i < len(traceMini); i++ {
		remaining[i] &^= traceMini[i]
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}

func popcountByte(b byte) int {
	n := 0

	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}

	return n
}
