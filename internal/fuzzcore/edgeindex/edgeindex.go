// Package edgeindex is the decision core of the corpus: for every (edge,
// bucket) pair it maintains up to K representative queue entries and
// decides, on each execution, whether a candidate input should be stored,
// should evict an existing representative, or should be dropped.
package edgeindex

import (
	"fmt"

	"github.com/divfuzz/corpus/internal/fuzzcore/diversity"
	"github.com/divfuzz/corpus/internal/fuzzcore/hashindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/queue"
)

// Cell holds the state for one (edge, bucket) pair.
type Cell struct {
	EdgeNum          uint32
	BucketID         uint8
	HitCount         uint64
	DiscoveryExecs   uint64
	ReplacementCount uint64
	Entries          []*queue.Entry
	DiversityScore   float64
}

// Candidate is the caller-supplied view of one execution's contribution to
// a single cell: the hash/trace data needed to make the insert/evict
// decision, plus enough context to materialize a persisted entry only once
// the decision says to keep it.
type Candidate struct {
	InputHash hashindex.Hash
	TraceMini []byte
	// Payload is the bytes scored by the diversity metric: raw testcase
	// bytes or the packed TraceMini, selected by the caller's
	// PathDiversity config (spec.md §4.2's PATH_DIVERSITY switch).
	Payload []byte
	// GlobalDuplicate is true when InputHash already exists anywhere in
	// the InputHashIndex under a different entry (checked by the caller
	// before calling InsertOrEvict, since only the caller holds the
	// index reference shared across all cells in this execution).
	GlobalDuplicate bool
}

// Store materializes and rewrites persisted entries on behalf of
// InsertOrEvict. Implementations own file persistence, calibration, and
// InputHashIndex registration - InsertOrEvict only decides when to call
// them.
type Store interface {
	// Create persists and returns a brand-new entry for slot (edge,
	// bucket, index) in the cell's Entries array.
	Create(edge uint32, bucket uint8, slot int, c Candidate) (*queue.Entry, error)
	// Swap rewrites an existing entry's content in place (§4.4 step 5).
	Swap(e *queue.Entry, edge uint32, bucket uint8, slot int, c Candidate) error
}

// Outcome reports what InsertOrEvict did, for telemetry and for the
// caller's own InputHashIndex bookkeeping (moving/inserting entries is the
// caller's job; InsertOrEvict only tells it what happened).
type Outcome struct {
	Created           *queue.Entry
	Evicted           *queue.Entry
	NewEdgeDiscovered bool
	Changed           bool
}

// EdgeIndex owns the cell table, 8*M cells indexed edge*8 + bucket.
type EdgeIndex struct {
	cells  []Cell
	m      int
	metric *diversity.Metric
	k      int
	execNo uint64
}

// New constructs an EdgeIndex sized for a trace map of m bytes, scoring
// candidates with metric.
func New(m int, metric *diversity.Metric) *EdgeIndex {
	cells := make([]Cell, 8*m)

	for edge := range m {
		for bucket := range 8 {
			idx := edge*8 + bucket
			cells[idx].EdgeNum = uint32(edge)
			cells[idx].BucketID = uint8(bucket)
		}
	}

	return &EdgeIndex{
		cells:  cells,
		m:      m,
		metric: metric,
		k:      metric.Cap(),
	}
}

func (ei *EdgeIndex) index(edge uint32, bucket uint8) int {
	return int(edge)*8 + int(bucket)
}

// Cell returns the cell at (edge, bucket). Panics if out of range - a
// caller passing a coordinate outside the configured map size is a
// programming error, not a recoverable one.
func (ei *EdgeIndex) Cell(edge uint32, bucket uint8) *Cell {
	return &ei.cells[ei.index(edge, bucket)]
}

// NextExecNo advances and returns the execution counter, used to stamp
// DiscoveryExecs on a cell's first entry.
func (ei *EdgeIndex) NextExecNo() uint64 {
	ei.execNo++

	return ei.execNo
}

// InsertOrEvict runs the per-cell insertion algorithm of §4.4 against the
// cell at (edge, bucket) for candidate c, using store to materialize or
// rewrite persisted entries only when the decision says to.
func (ei *EdgeIndex) InsertOrEvict(edge uint32, bucket uint8, c Candidate, store Store) (Outcome, error) {
	cell := ei.Cell(edge, bucket)
	cell.HitCount++

	for _, e := range cell.Entries {
		if hashindex.Hash(e.InputHash) == c.InputHash {
			return Outcome{}, nil
		}
	}

	if len(cell.Entries) < ei.k {
		return ei.fill(cell, edge, bucket, c, store)
	}

	return ei.evictSaturated(cell, edge, bucket, c, store)
}

func (ei *EdgeIndex) fill(cell *Cell, edge uint32, bucket uint8, c Candidate, store Store) (Outcome, error) {
	newEdge := false

	if len(cell.Entries) == 0 {
		cell.DiscoveryExecs = ei.execNo
		newEdge = true
	} else if c.GlobalDuplicate {
		return Outcome{}, nil
	}

	slot := len(cell.Entries)

	entry, err := store.Create(edge, bucket, slot, c)
	if err != nil {
		return Outcome{}, fmt.Errorf("edgeindex: create entry: %w", err)
	}

	entry.SetCell(edge, bucket)
	cell.Entries = append(cell.Entries, entry)

	if err := ei.recomputeScore(cell); err != nil {
		return Outcome{}, err
	}

	return Outcome{Created: entry, NewEdgeDiscovered: newEdge, Changed: true}, nil
}

// evalSchedule implements §4.4 step 4's rate limit on NCD recomputation.
func evalSchedule(hitCount uint64) bool {
	switch {
	case hitCount >= 1 && hitCount <= 10:
		return true
	case hitCount <= 100 && hitCount%10 == 0:
		return true
	case hitCount <= 10000 && hitCount%100 == 0:
		return true
	case hitCount%1000 == 0:
		return true
	default:
		return false
	}
}

func (ei *EdgeIndex) evictSaturated(cell *Cell, edge uint32, bucket uint8, c Candidate, store Store) (Outcome, error) {
	if c.GlobalDuplicate {
		return Outcome{}, nil
	}

	for i, e := range cell.Entries {
		if e.Duplicates > 0 {
			return ei.commitEviction(cell, edge, bucket, i, c, store)
		}
	}

	if !evalSchedule(cell.HitCount) {
		return Outcome{}, nil
	}

	bestIdx := -1
	bestScore := cell.DiversityScore

	for i := range cell.Entries {
		set := make([][]byte, 0, len(cell.Entries))

		for j, e := range cell.Entries {
			if j == i {
				continue
			}

			set = append(set, payloadOf(e, ei.metric.Mode()))
		}

		set = append(set, c.Payload)

		score, err := ei.metric.Score(set)
		if err != nil {
			return Outcome{}, fmt.Errorf("edgeindex: score candidate set: %w", err)
		}

		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return Outcome{}, nil
	}

	return ei.commitEviction(cell, edge, bucket, bestIdx, c, store)
}

func payloadOf(e *queue.Entry, mode diversity.Mode) []byte {
	if mode == diversity.Levenshtein {
		return e.Testcase
	}

	if e.TraceMini != nil {
		return e.TraceMini
	}

	return e.Testcase
}

func (ei *EdgeIndex) commitEviction(cell *Cell, edge uint32, bucket uint8, slot int, c Candidate, store Store) (Outcome, error) {
	evictee := cell.Entries[slot]
	wasFavored := evictee.Favored

	if err := store.Swap(evictee, edge, bucket, slot, c); err != nil {
		return Outcome{}, fmt.Errorf("edgeindex: swap entry: %w", err)
	}

	cell.ReplacementCount++

	if err := ei.recomputeScore(cell); err != nil {
		return Outcome{}, err
	}

	if wasFavored {
		ei.restoreOrReassignFavored(evictee, edge)
	}

	return Outcome{Created: evictee, Evicted: evictee, Changed: true}, nil
}

func (ei *EdgeIndex) recomputeScore(cell *Cell) error {
	if len(cell.Entries) < 2 {
		cell.DiversityScore = 0

		return nil
	}

	set := make([][]byte, len(cell.Entries))
	for i, e := range cell.Entries {
		set[i] = payloadOf(e, ei.metric.Mode())
	}

	score, err := ei.metric.Score(set)
	if err != nil {
		return fmt.Errorf("edgeindex: recompute cell score: %w", err)
	}

	cell.DiversityScore = score

	return nil
}

// restoreOrReassignFavored implements the §4.4 step 5 / §9 open question:
// when an evicted entry was favored, search every bucket of edge for a
// better favored candidate; if none is found, restore favored on the
// evictee even though it now holds entirely different content. This is
// preserved verbatim from the system this package descends from - it is
// flagged, not "fixed", in DESIGN.md.
func (ei *EdgeIndex) restoreOrReassignFavored(evictee *queue.Entry, edge uint32) {
	var best *queue.Entry

	bestScore := -1.0

	for bucket := range 8 {
		cell := ei.Cell(edge, uint8(bucket))

		for _, e := range cell.Entries {
			factor := favFactor(e)
			if factor > bestScore {
				bestScore = factor
				best = e
			}
		}
	}

	if best != nil {
		best.Favored = true

		return
	}

	evictee.Favored = true
}

// favFactor approximates "fav_factor" (smaller/faster candidates score
// higher) as the inverse of compressed length; on a tie the caller keeps
// the first entry it found, in bucket then slot order.
func favFactor(e *queue.Entry) float64 {
	if e.CompressedLen <= 0 {
		return 0
	}

	return 1.0 / float64(e.CompressedLen)
}
