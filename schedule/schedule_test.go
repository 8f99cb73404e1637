package schedule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

// fakePeer answers metadata/chunk requests out of an in-memory byte slice,
// acting as a minimal stand-in for a real host.Host during scheduler tests.
type fakePeer struct {
	content   []byte
	digest    string
	chunkSize int
}

func (p *fakePeer) serve(conn xconn.Connection) {
	metaSub, metaUnsub := conn.Subscribe(wire.TypeMetadata)
	chunkSub, chunkUnsub := conn.Subscribe(wire.TypeChunk)
	defer metaUnsub()
	defer chunkUnsub()
	for {
		select {
		case m, ok := <-metaSub:
			if !ok {
				return
			}
			totalChunks := (len(p.content) + p.chunkSize - 1) / p.chunkSize
			conn.Send(wire.Message{
				Type:        wire.TypeMetadataResponse,
				Digest:      m.Digest,
				TotalBytes:  int64(len(p.content)),
				ChunkSize:   p.chunkSize,
				TotalChunks: totalChunks,
			})
		case m, ok := <-chunkSub:
			if !ok {
				return
			}
			start := m.StartChunk * p.chunkSize
			end := start + p.chunkSize
			if end > len(p.content) {
				end = len(p.content)
			}
			if start >= len(p.content) {
				conn.Send(wire.Message{Type: wire.TypeChunkResponse, Digest: m.Digest, StartChunk: m.StartChunk, Error: "out of range"})
				continue
			}
			conn.Send(wire.Message{Type: wire.TypeChunkResponse, Digest: m.Digest, StartChunk: m.StartChunk, Data: append([]byte(nil), p.content[start:end]...)})
		}
	}
}

func pipedConnPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func makeFakeDialer(t *testing.T, peer *fakePeer) Dialer {
	t.Helper()
	return func(ctx context.Context, peerID string) (xconn.Connection, error) {
		client, server := pipedConnPair()
		serverConn := xconn.NewStream(server, log.Logger{})
		go peer.serve(serverConn)
		return xconn.NewStream(client, log.Logger{}), nil
	}
}

func TestDownloadSinglePeerSmallFile(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk. ")
	for len(content) < 4096 {
		content = append(content, content...)
	}
	content = content[:4096]
	digest := digestOf(content)

	peer := &fakePeer{content: content, digest: digest, chunkSize: 512}
	dial := makeFakeDialer(t, peer)

	sched := New(dial)
	path := t.TempDir() + "/out.bin"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sched.Download(ctx, []string{"peerA"}, digest, path, Options{})
	require.NoError(t, err)
}

func TestDownloadMultiplePeers(t *testing.T) {
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 251)
	}
	digest := digestOf(content)

	peer := &fakePeer{content: content, digest: digest, chunkSize: 256}

	sched := New(makeFakeDialer(t, peer))
	path := t.TempDir() + "/out.bin"
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var gotProgress bool
	opts := Options{
		ProgressCallback: func(received, total int64) { gotProgress = true },
	}
	err := sched.Download(ctx, []string{"peerA", "peerB", "peerC"}, digest, path, opts)
	require.NoError(t, err)
	assert.True(t, gotProgress)
}

func TestDownloadNoMetadataFails(t *testing.T) {
	dial := func(ctx context.Context, peerID string) (xconn.Connection, error) {
		client, server := pipedConnPair()
		server.Close()
		return xconn.NewStream(client, log.Logger{}), nil
	}
	sched := New(dial)
	path := t.TempDir() + "/out.bin"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := sched.Download(ctx, []string{"peerA"}, "somedigest", path, Options{})
	require.Error(t, err)
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
