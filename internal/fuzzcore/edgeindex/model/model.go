// Package model is a deliberately simple in-memory reference model of
// EdgeIndex, used to check the real implementation's insert/evict
// decisions against an obviously-correct (if inefficient) oracle in
// property-based tests.
package model

// Cell mirrors edgeindex.Cell but stores content hashes instead of full
// queue entries - enough to check cell membership, capacity, and eviction
// decisions without re-deriving diversity scores via a second compressor.
type Cell struct {
	HitCount         uint64
	Entries          []uint64 // input hashes, in insertion/eviction order
	DiversityScore   float64
	ReplacementCount uint64
}

// EdgeIndexModel tracks cells keyed by (edge, bucket) and a scoring
// function supplied by the test, so the model stays agnostic to which
// diversity metric is under test.
type EdgeIndexModel struct {
	K     int
	Score func(hashes []uint64) float64
	cells map[[2]uint32]*Cell
}

// New constructs an empty model with capacity k and the given scorer.
func New(k int, score func(hashes []uint64) float64) *EdgeIndexModel {
	return &EdgeIndexModel{K: k, Score: score, cells: make(map[[2]uint32]*Cell)}
}

func (m *EdgeIndexModel) cell(edge uint32, bucket uint8) *Cell {
	key := [2]uint32{edge, uint32(bucket)}

	c, ok := m.cells[key]
	if !ok {
		c = &Cell{}
		m.cells[key] = c
	}

	return c
}

// Clone returns a deep copy of the model, used to snapshot state before an
// operation under test so a failing assertion can report the before/after
// diff.
func (m *EdgeIndexModel) Clone() *EdgeIndexModel {
	clone := &EdgeIndexModel{K: m.K, Score: m.Score, cells: make(map[[2]uint32]*Cell, len(m.cells))}

	for k, c := range m.cells {
		entries := append([]uint64(nil), c.Entries...)
		clone.cells[k] = &Cell{
			HitCount:         c.HitCount,
			Entries:          entries,
			DiversityScore:   c.DiversityScore,
			ReplacementCount: c.ReplacementCount,
		}
	}

	return clone
}

// Insert applies the same dedup/fill/evict decision structure as
// edgeindex.InsertOrEvict, operating purely over input hashes. duplicate
// reports whether hash already exists anywhere else in the queue (the
// model does not track a real InputHashIndex; callers pass this in).
func (m *EdgeIndexModel) Insert(edge uint32, bucket uint8, hash uint64, duplicate bool) (inserted, evicted bool) {
	cell := m.cell(edge, bucket)
	cell.HitCount++

	for _, h := range cell.Entries {
		if h == hash {
			return false, false
		}
	}

	if len(cell.Entries) < m.K {
		if len(cell.Entries) > 0 && duplicate {
			return false, false
		}

		cell.Entries = append(cell.Entries, hash)
		cell.DiversityScore = m.Score(cell.Entries)

		return true, false
	}

	if duplicate {
		return false, false
	}

	if !evalSchedule(cell.HitCount) {
		return false, false
	}

	bestIdx := -1
	bestScore := cell.DiversityScore

	for i := range cell.Entries {
		trial := make([]uint64, 0, len(cell.Entries))

		for j, h := range cell.Entries {
			if j == i {
				continue
			}

			trial = append(trial, h)
		}

		trial = append(trial, hash)

		score := m.Score(trial)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return false, false
	}

	cell.Entries[bestIdx] = hash
	cell.DiversityScore = bestScore
	cell.ReplacementCount++

	return true, true
}

// evalSchedule mirrors edgeindex's rate limit on NCD recomputation so the
// model's eviction decisions stay in lockstep with the real implementation
// once a cell has seen more than a handful of hits.
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

// CellEntries exposes the current membership of a cell, for test
// assertions.
func (m *EdgeIndexModel) CellEntries(edge uint32, bucket uint8) []uint64 {
	return append([]uint64(nil), m.cell(edge, bucket).Entries...)
}
