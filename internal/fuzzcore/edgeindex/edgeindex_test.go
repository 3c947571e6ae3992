package edgeindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divfuzz/corpus/internal/fuzzcore/diversity"
	"github.com/divfuzz/corpus/internal/fuzzcore/edgeindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/hashindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/queue"
)

// fakeStore is an in-memory edgeindex.Store that never touches a real
// filesystem, used to isolate the insert/evict decision logic under test
// from persistence concerns.
type fakeStore struct {
	nextID uint64
}

func (s *fakeStore) Create(_ uint32, _ uint8, _ int, c edgeindex.Candidate) (*queue.Entry, error) {
	s.nextID++

	return &queue.Entry{
		ID:        s.nextID,
		InputHash: uint64(c.InputHash),
		TraceMini: c.TraceMini,
		Testcase:  c.Payload,
	}, nil
}

func (s *fakeStore) Swap(e *queue.Entry, _ uint32, _ uint8, _ int, c edgeindex.Candidate) error {
	e.InputHash = uint64(c.InputHash)
	e.TraceMini = c.TraceMini
	e.Testcase = c.Payload

	return nil
}

func candidate(hash uint64, payload []byte, dup bool) edgeindex.Candidate {
	return edgeindex.Candidate{
		InputHash:       hashindex.Hash(hash),
		TraceMini:       payload,
		Payload:         payload,
		GlobalDuplicate: dup,
	}
}

func TestFillPhaseFirstEntryMarksNewEdge(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.NCDm))
	st := &fakeStore{}

	outcome, err := ei.InsertOrEvict(1, 0, candidate(1, []byte("aaaa"), false), st)
	require.NoError(t, err)
	require.True(t, outcome.NewEdgeDiscovered)
	require.True(t, outcome.Changed)
	require.NotNil(t, outcome.Created)
	require.Len(t, ei.Cell(1, 0).Entries, 1)
}

func TestDedupSameHashIsNoOp(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.NCDm))
	st := &fakeStore{}

	_, err := ei.InsertOrEvict(1, 0, candidate(1, []byte("aaaa"), false), st)
	require.NoError(t, err)

	outcome, err := ei.InsertOrEvict(1, 0, candidate(1, []byte("aaaa"), false), st)
	require.NoError(t, err)
	require.False(t, outcome.Changed)
	require.Len(t, ei.Cell(1, 0).Entries, 1)
}

func TestSaturatedPhaseEvictsDuplicateEntryFirst(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.Levenshtein))
	st := &fakeStore{}

	_, err := ei.InsertOrEvict(2, 1, candidate(10, []byte("A-unique-content"), false), st)
	require.NoError(t, err)

	outcome, err := ei.InsertOrEvict(2, 1, candidate(11, []byte("B-duplicated-content"), false), st)
	require.NoError(t, err)
	require.True(t, outcome.Changed)

	// Mark B as a content duplicate elsewhere, matching S3: B.duplicates=1.
	cell := ei.Cell(2, 1)
	require.Len(t, cell.Entries, 2)

	var bEntry *queue.Entry

	for _, e := range cell.Entries {
		if e.InputHash == 11 {
			bEntry = e
		}
	}

	require.NotNil(t, bEntry)
	bEntry.Duplicates = 1

	outcome, err = ei.InsertOrEvict(2, 1, candidate(12, []byte("C-novel-content-here"), false), st)
	require.NoError(t, err)
	require.True(t, outcome.Changed)
	require.Equal(t, bEntry, outcome.Evicted)

	for _, e := range cell.Entries {
		require.NotEqual(t, uint64(11), e.InputHash, "duplicate entry B should have been evicted")
	}
}

func TestIdempotentReprocessingOfSameTrace(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.NCDm))
	st := &fakeStore{}

	c := candidate(99, []byte("idempotency-check"), false)

	_, err := ei.InsertOrEvict(5, 2, c, st)
	require.NoError(t, err)

	before := append([]*queue.Entry(nil), ei.Cell(5, 2).Entries...)
	beforeHit := ei.Cell(5, 2).HitCount

	_, err = ei.InsertOrEvict(5, 2, c, st)
	require.NoError(t, err)

	require.Equal(t, before, ei.Cell(5, 2).Entries)
	require.Equal(t, beforeHit+1, ei.Cell(5, 2).HitCount, "hit_count still increments even on a no-op dedup")
}

// TestSaturatedPhaseRateLimitsNCDRecomputation exercises S4: once a cell is
// full, eviction is only reconsidered on the hit-count schedule evalSchedule
// implements, not on every execution. At hit_count=11 the schedule is due to
// skip (11 is neither <=10 nor a multiple of 10), so even a wildly different
// candidate must not evict anything that round.
func TestSaturatedPhaseRateLimitsNCDRecomputation(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.Levenshtein))
	st := &fakeStore{}

	_, err := ei.InsertOrEvict(4, 0, candidate(1, []byte("aaaaaaaaaa"), false), st) // hit_count=1, fills
	require.NoError(t, err)
	_, err = ei.InsertOrEvict(4, 0, candidate(2, []byte("bbbbbbbbbb"), false), st) // hit_count=2, fills
	require.NoError(t, err)

	// hit_count 3..10: schedule is due every time, let eviction churn freely.
	for i := uint64(3); i <= 10; i++ {
		_, err := ei.InsertOrEvict(4, 0, candidate(i, []byte("churn-content-here-too"), false), st)
		require.NoError(t, err)
	}

	require.EqualValues(t, 10, ei.Cell(4, 0).HitCount)

	// hit_count 11: schedule is NOT due. A maximally dissimilar candidate
	// must still be rejected this round.
	outcome, err := ei.InsertOrEvict(4, 0, candidate(99, []byte("ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"), false), st)
	require.NoError(t, err)
	require.False(t, outcome.Changed, "hit_count=11 is off the recomputation schedule")
	require.EqualValues(t, 11, ei.Cell(4, 0).HitCount, "hit_count still advances even when the schedule skips recomputation")
}

func TestSaturatedPhaseRejectsGlobalDuplicate(t *testing.T) {
	ei := edgeindex.New(16, diversity.New(diversity.Levenshtein))
	st := &fakeStore{}

	_, err := ei.InsertOrEvict(3, 0, candidate(20, []byte("first-entry-content"), false), st)
	require.NoError(t, err)
	_, err = ei.InsertOrEvict(3, 0, candidate(21, []byte("second-entry-content"), false), st)
	require.NoError(t, err)

	outcome, err := ei.InsertOrEvict(3, 0, candidate(22, []byte("third-is-globally-dup"), true), st)
	require.NoError(t, err)
	require.False(t, outcome.Changed)
}
