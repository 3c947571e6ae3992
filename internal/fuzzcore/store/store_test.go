package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divfuzz/corpus/internal/fuzzcore/store"
	fsabs "github.com/divfuzz/corpus/pkg/fs"
)

func TestOpenCreatesSubdirs(t *testing.T) {
	dir := t.TempDir()

	_, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	for _, sub := range []string{"queue", "crashes", "hangs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestWriteQueueFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	path, err := s.WriteQueueFile("id:000000,cksum:000001,src:000000,time:0,op:seed", []byte("payload"))
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := s.ReadEntry("queue", "id:000000,cksum:000001,src:000000,time:0,op:seed")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestRemoveQueueFileToleratesAbsence(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	require.NoError(t, s.RemoveQueueFile("never-existed"))
}

func TestRenameQueueFile(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	_, err = s.WriteQueueFile("old-name", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.RenameQueueFile("old-name", "new-name"))

	_, err = s.ReadEntry("queue", "new-name")
	require.NoError(t, err)

	_, err = s.ReadEntry("queue", "old-name")
	require.Error(t, err)
}

func TestWriteCrashFileGeneratesReadmeOnce(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	readmeCalls := 0
	readme := func() []byte {
		readmeCalls++

		return []byte("explain the sig field here")
	}

	_, err = s.WriteCrashFile("id:000000,sig:11,src:000000,time:0,op:havoc", []byte("crash1"), readme)
	require.NoError(t, err)

	_, err = s.WriteCrashFile("id:000001,sig:06,src:000000,time:0,op:havoc", []byte("crash2"), readme)
	require.NoError(t, err)

	require.Equal(t, 1, readmeCalls, "README.txt is only generated on the first crash")
	require.FileExists(t, filepath.Join(dir, "crashes", "README.txt"))
}

func TestWriteHangFile(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	path, err := s.WriteHangFile("id:000000,src:000000,time:0,op:havoc", []byte("hang"))
	require.NoError(t, err)
	require.FileExists(t, path)
}

func TestWriteBitmapTruncatesPriorContent(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	require.NoError(t, s.WriteBitmap([]byte{0xff, 0xff, 0xff, 0xff}))
	require.NoError(t, s.WriteBitmap([]byte{0x01}))

	data, err := s.ReadBitmap()
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, data)
}

func TestListQueueExcludesReadme(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	_, err = s.WriteQueueFile("id:000000,cksum:000001,src:000000,time:0,op:seed", []byte("a"))
	require.NoError(t, err)
	_, err = s.WriteQueueFile("id:000001,cksum:000002,src:000000,time:0,op:seed", []byte("b"))
	require.NoError(t, err)

	names, err := s.ListQueue()
	require.NoError(t, err)
	require.Len(t, names, 2)
}

func TestListCrashesExcludesReadme(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(fsabs.NewReal(), dir)
	require.NoError(t, err)

	_, err = s.WriteCrashFile("id:000000,sig:11,src:000000,time:0,op:havoc", []byte("c"), func() []byte { return []byte("readme") })
	require.NoError(t, err)

	names, err := s.ListCrashes()
	require.NoError(t, err)
	require.Equal(t, []string{"id:000000,sig:11,src:000000,time:0,op:havoc"}, names)
}
