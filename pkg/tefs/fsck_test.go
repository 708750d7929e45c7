package tefs_test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFsckCleanOnFreshlyFormattedVolume(t *testing.T) {
	fs, _ := formatSmall(t)

	rep, err := fs.Fsck(nil)
	require.NoError(t, err)
	require.True(t, rep.AccountingOK)
	require.Empty(t, rep.TombstoneViolations)
	require.Equal(t, int64(0), rep.InUseFiles)
	require.NotEmpty(t, rep.RunID)
}

func TestFsckAccountsForLiveAndDeletedFiles(t *testing.T) {
	fs, _ := formatSmall(t)

	f1, err := fs.Open("keep.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Write(f1, 0, []byte("abc"), 3, 0))
	require.NoError(t, fs.Close(f1))

	f2, err := fs.Open("gone.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Close(f2))
	require.NoError(t, fs.Remove("gone.txt"))

	var progressed []int64
	rep, err := fs.Fsck(func(done, total int64) { progressed = append(progressed, done) })
	require.NoError(t, err)

	require.Equal(t, int64(1), rep.InUseFiles)
	require.Equal(t, int64(1), rep.DeletedFiles)
	require.True(t, rep.AccountingOK)
	require.Empty(t, rep.TombstoneViolations)
	require.NotEmpty(t, progressed)
}

func TestFsckListOmitsDeletedAndReportsLiveEOF(t *testing.T) {
	fs, _ := formatSmall(t)

	f, err := fs.Open("keep2.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Write(f, 0, []byte("data"), 4, 0))
	require.NoError(t, fs.Close(f))

	g, err := fs.Open("gone2.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Close(g))
	require.NoError(t, fs.Remove("gone2.txt"))

	entries, err := fs.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep2.txt", entries[0].Name)
	require.Equal(t, uint32(4), entries[0].EOFByte)
}
