package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeContent(t *testing.T, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(b)
	return b
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestWriteChunksInOrderAndFinish(t *testing.T) {
	content := makeContent(t, 10*1024+37)
	digest := digestOf(content)
	chunkSize := 1024
	path := filepath.Join(t.TempDir(), "out.bin")

	a, err := Open(path, int64(len(content)), chunkSize, digest, false)
	require.NoError(t, err)
	assert.Equal(t, 11, a.TotalChunks())

	for i := 0; i < a.TotalChunks(); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		require.NoError(t, a.WriteChunk(i, content[start:end]))
	}
	assert.Equal(t, int64(len(content)), a.BytesReceived())
	require.NoError(t, a.Finish())
}

func TestWriteChunksOutOfOrderAndFinish(t *testing.T) {
	content := makeContent(t, 5*512)
	digest := digestOf(content)
	chunkSize := 512
	path := filepath.Join(t.TempDir(), "out.bin")

	a, err := Open(path, int64(len(content)), chunkSize, digest, false)
	require.NoError(t, err)

	order := []int{3, 1, 4, 0, 2}
	for _, i := range order {
		start := i * chunkSize
		end := start + chunkSize
		require.NoError(t, a.WriteChunk(i, content[start:end]))
	}
	require.NoError(t, a.Finish())
}

func TestFinishDetectsIntegrityMismatch(t *testing.T) {
	content := makeContent(t, 2048)
	path := filepath.Join(t.TempDir(), "out.bin")
	a, err := Open(path, int64(len(content)), 1024, "deadbeef", false)
	require.NoError(t, err)
	require.NoError(t, a.WriteChunk(0, content[:1024]))
	require.NoError(t, a.WriteChunk(1, content[1024:]))

	err = a.Finish()
	require.Error(t, err)
	var integrityErr *ErrIntegrity
	assert.ErrorAs(t, err, &integrityErr)
}

func TestWriteChunkRejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	a, err := Open(path, 2048, 1024, "x", false)
	require.NoError(t, err)
	err = a.WriteChunk(0, make([]byte, 10))
	assert.Error(t, err)
}

func TestWriteChunkIsIdempotent(t *testing.T) {
	content := makeContent(t, 1024)
	path := filepath.Join(t.TempDir(), "out.bin")
	a, err := Open(path, int64(len(content)), 1024, digestOf(content), false)
	require.NoError(t, err)
	require.NoError(t, a.WriteChunk(0, content))
	require.NoError(t, a.WriteChunk(0, content))
	assert.Equal(t, int64(1024), a.BytesReceived())
}

func TestResumeCountsExistingChunks(t *testing.T) {
	content := makeContent(t, 4096)
	path := filepath.Join(t.TempDir(), "out.bin")

	a, err := Open(path, int64(len(content)), 1024, digestOf(content), false)
	require.NoError(t, err)
	require.NoError(t, a.WriteChunk(0, content[:1024]))
	require.NoError(t, a.WriteChunk(1, content[1024:2048]))
	a.file.Close()

	a2, err := Open(path, int64(len(content)), 1024, digestOf(content), true)
	require.NoError(t, err)
	assert.True(t, a2.Completed(0))
	assert.True(t, a2.Completed(1))
	assert.False(t, a2.Completed(2))
}
