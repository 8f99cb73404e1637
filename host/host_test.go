package host

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

type memProvider struct {
	digest    string
	content   []byte
	chunkSize int
}

func (p *memProvider) Metadata(digest string) (int64, int, bool) {
	if digest != p.digest {
		return 0, 0, false
	}
	return int64(len(p.content)), p.chunkSize, true
}

func (p *memProvider) ReadChunk(digest string, index int) ([]byte, error) {
	if digest != p.digest {
		return nil, fmt.Errorf("unknown digest")
	}
	start := index * p.chunkSize
	if start >= len(p.content) {
		return nil, fmt.Errorf("out of range")
	}
	end := start + p.chunkSize
	if end > len(p.content) {
		end = len(p.content)
	}
	return p.content[start:end], nil
}

type tcpListener struct{ ln net.Listener }

func (t *tcpListener) Accept() (net.Conn, error) { return t.ln.Accept() }
func (t *tcpListener) IsDatagram() bool          { return false }
func (t *tcpListener) Close() error              { return t.ln.Close() }

func TestHostAnswersMetadataAndChunk(t *testing.T) {
	content := make([]byte, 2048)
	for i := range content {
		content[i] = byte(i)
	}
	provider := &memProvider{digest: "abc123", content: content, chunkSize: 256}

	h := New(provider, Options{ChokingDisabled: true})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, []Listener{&tcpListener{ln}})

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	xc := xconn.NewStream(client, log.Logger{})
	defer xc.Close()

	metaSub, metaUnsub := xc.Subscribe(wire.TypeMetadataResponse)
	defer metaUnsub()
	require.NoError(t, xc.Send(wire.Message{Type: wire.TypeMetadata, Digest: "abc123"}))
	select {
	case m := <-metaSub:
		assert.Equal(t, int64(2048), m.TotalBytes)
		assert.Equal(t, 256, m.ChunkSize)
		assert.Equal(t, 8, m.TotalChunks)
	case <-time.After(2 * time.Second):
		t.Fatal("no metadata response")
	}

	chunkSub, chunkUnsub := xc.Subscribe(wire.TypeChunkResponse)
	defer chunkUnsub()
	require.NoError(t, xc.Send(wire.Message{Type: wire.TypeChunk, Digest: "abc123", StartChunk: 2}))
	select {
	case m := <-chunkSub:
		assert.Equal(t, content[512:768], m.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk response")
	}
}

func TestHostUnknownDigestReturnsError(t *testing.T) {
	provider := &memProvider{digest: "known", content: []byte("data"), chunkSize: 4}
	h := New(provider, Options{ChokingDisabled: true})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, []Listener{&tcpListener{ln}})

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	xc := xconn.NewStream(client, log.Logger{})
	defer xc.Close()

	sub, unsub := xc.Subscribe(wire.TypeMetadataResponse)
	defer unsub()
	require.NoError(t, xc.Send(wire.Message{Type: wire.TypeMetadata, Digest: "nope"}))
	select {
	case m := <-sub:
		assert.NotEmpty(t, m.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestChokeRoundUnchokesTopContributorsPlusOptimistic(t *testing.T) {
	provider := &memProvider{digest: "d", content: []byte("x"), chunkSize: 1}
	h := New(provider, Options{MaxUnchoked: 2})
	h.peers["a"] = &peerState{contribution: 100}
	h.peers["b"] = &peerState{contribution: 50}
	h.peers["c"] = &peerState{contribution: 10}
	h.peers["d"] = &peerState{contribution: 0}

	h.runChokeRound()

	unchoked := 0
	for _, st := range h.peers {
		if st.unchoked {
			unchoked++
		}
	}
	assert.True(t, h.peers["a"].unchoked)
	assert.Equal(t, 2, unchoked) // MaxUnchoked-1 top contributors + 1 optimistic
}
