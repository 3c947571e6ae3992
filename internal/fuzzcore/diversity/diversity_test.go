package diversity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divfuzz/corpus/internal/fuzzcore/diversity"
)

func TestLevenshteinIdenticalIsZero(t *testing.T) {
	m := diversity.New(diversity.Levenshtein)

	score, err := m.Levenshtein([]byte("hello"), []byte("hello"))
	require.NoError(t, err)
	require.Zero(t, score)
}

func TestLevenshteinEmptyBothIsZero(t *testing.T) {
	m := diversity.New(diversity.Levenshtein)

	score, err := m.Levenshtein(nil, nil)
	require.NoError(t, err)
	require.Zero(t, score)
}

func TestLevenshteinInRange(t *testing.T) {
	m := diversity.New(diversity.Levenshtein)

	score, err := m.Levenshtein([]byte("kitten"), []byte("sitting"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, diversity.MaxScore)
}

func TestNCDmSingletonIsZero(t *testing.T) {
	m := diversity.New(diversity.NCDm)

	score, err := m.NCDm([][]byte{[]byte("only one")})
	require.NoError(t, err)
	require.Zero(t, score)
}

func TestNCDmIdenticalEntriesIsLow(t *testing.T) {
	m := diversity.New(diversity.NCDm)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	score, err := m.NCDm([][]byte{payload, append([]byte(nil), payload...)})
	require.NoError(t, err)
	require.GreaterOrEqual(t, score, 0.0)
	require.Less(t, score, 0.3)
}

func TestNCDmDiverseEntriesScoreHigher(t *testing.T) {
	m := diversity.New(diversity.NCDm)

	a := make([]byte, 512)
	for i := range a {
		a[i] = byte(i % 7)
	}

	b := make([]byte, 512)
	for i := range b {
		b[i] = byte((i * 31) % 251)
	}

	identical, err := m.NCDm([][]byte{a, append([]byte(nil), a...)})
	require.NoError(t, err)

	diverse, err := m.NCDm([][]byte{a, b})
	require.NoError(t, err)

	require.Greater(t, diverse, identical)
}

func TestScratchGrowsMonotonically(t *testing.T) {
	m := diversity.New(diversity.NCDm)

	prev := m.PrevLongest()

	_, err := m.NCDm([][]byte{make([]byte, 64), make([]byte, 128)})
	require.NoError(t, err)
	require.GreaterOrEqual(t, m.PrevLongest(), prev)

	prev = m.PrevLongest()

	_, err = m.NCDm([][]byte{make([]byte, 4096), make([]byte, 8192)})
	require.NoError(t, err)
	require.Greater(t, m.PrevLongest(), prev)

	prev = m.PrevLongest()

	_, err = m.NCDm([][]byte{make([]byte, 16), make([]byte, 16)})
	require.NoError(t, err)
	require.GreaterOrEqual(t, m.PrevLongest(), prev, "scratch must never shrink")
}

func TestCapPerMode(t *testing.T) {
	require.Equal(t, diversity.CapNCDm, diversity.New(diversity.NCDm).Cap())
	require.Equal(t, diversity.CapLevenshtein, diversity.New(diversity.Levenshtein).Cap())
}
