package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: TypeHandshake, ClientID: "c1", RequestID: "r1", Timestamp: 42},
		{Type: TypeMetadata, ClientID: "c1", Digest: "abc123"},
		{Type: TypeMetadataResponse, ClientID: "host", Digest: "abc123", TotalBytes: 5000, ChunkSize: 1000, TotalChunks: 5},
		{Type: TypeChunk, ClientID: "c1", Digest: "abc123", StartChunk: 2},
		{Type: TypeChunkResponse, ClientID: "host", Digest: "abc123", StartChunk: 2, Data: []byte{1, 2, 3}},
		{Type: TypeCancel, ClientID: "c1", FileHash: "abc123", PieceIndex: 2},
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, m := range msgs {
		require.NoError(t, WriteMessage(w, m))
	}

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, err := ReadMessage(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	m := Message{Type: TypeChunkResponse, ClientID: "host", Digest: "x", StartChunk: 0, Data: []byte("hello")}
	b, err := EncodeDatagram(m)
	require.NoError(t, err)
	got, err := DecodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadAllMessages(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteMessage(w, Message{Type: TypeHandshake, ClientID: "a"}))
	require.NoError(t, WriteMessage(w, Message{Type: TypeMetadata, ClientID: "a", Digest: "d"}))

	msgs, err := ReadAllMessages(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeHandshake, msgs[0].Type)
	assert.Equal(t, TypeMetadata, msgs[1].Type)
}
