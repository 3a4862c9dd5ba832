package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndFlushWritesAtOffsetAndRecordsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	cpPath := filepath.Join(dir, "out.checkpoint")

	s, err := Open(outPath, cpPath, 20000, 16384)
	require.NoError(t, err)

	p0 := make([]byte, 16384)
	for i := range p0 {
		p0[i] = 'A'
	}
	p1 := make([]byte, 3616)
	for i := range p1 {
		p1[i] = 'B'
	}

	require.NoError(t, s.Stage(0, p0))
	require.NoError(t, s.Stage(1, p1))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, p0...), p1...), got)

	assert.True(t, fileExists(cpPath))
}

func TestResumeSkipsCompletedPieces(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	cpPath := filepath.Join(dir, "out.checkpoint")

	s, err := Open(outPath, cpPath, 20000, 16384)
	require.NoError(t, err)
	require.NoError(t, s.Stage(0, make([]byte, 16384)))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2, err := Open(outPath, cpPath, 20000, 16384)
	require.NoError(t, err)
	assert.True(t, s2.Completed(0))
	assert.False(t, s2.Completed(1))
	assert.Equal(t, 1, s2.CompletedCount())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
