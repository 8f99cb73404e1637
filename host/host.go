// Package host answers inbound metadata/chunk requests for content this
// process is serving, and implements the tit-for-tat choking policy spec.md
// §4.10 lists as optional. Grounded on the teacher's per-peer
// message-writer goroutine (peer-conn-msg-writer.go) generalized from a
// piece-pusher to a request/response responder, and on its general choking
// bookkeeping shape (contribution counters, optimistic unchoke).
package host

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

// ContentProvider answers metadata and chunk-read requests for one digest.
// Metadata returns (totalBytes, chunkSize, ok). ReadChunk returns the raw
// bytes for a chunk index, or an error if unavailable.
type ContentProvider interface {
	Metadata(digest string) (totalBytes int64, chunkSize int, ok bool)
	ReadChunk(digest string, index int) ([]byte, error)
}

// Listener accepts inbound connections for one transport; host.Serve wraps
// each into a xconn.Connection. Both a stream net.Listener and a datagram
// association loop can implement this by adapting Accept().
type Listener interface {
	Accept() (net.Conn, error)
	IsDatagram() bool
	Close() error
}

// Options configures a Host.
type Options struct {
	ChokingDisabled     bool // default false: choking is enabled per DESIGN.md decision 4
	MaxUnchoked         int  // default 4
	ChokeUpdateInterval time.Duration // default 10s
	SuperSeed           bool
	RateLimit           *rate.Limiter // nil disables rate limiting
	Logger              log.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxUnchoked <= 0 {
		o.MaxUnchoked = 4
	}
	if o.ChokeUpdateInterval <= 0 {
		o.ChokeUpdateInterval = 10 * time.Second
	}
	return o
}

type peerState struct {
	conn         xconn.Connection
	contribution int64
	unchoked     bool
}

// Host serves content over any number of accepted connections.
type Host struct {
	provider ContentProvider
	opts     Options

	mu    sync.Mutex
	peers map[string]*peerState
}

// New returns a Host serving content from provider.
func New(provider ContentProvider, opts Options) *Host {
	return &Host{provider: provider, opts: opts.withDefaults(), peers: make(map[string]*peerState)}
}

// Serve accepts connections from every listener until ctx is cancelled,
// handling each on its own goroutine, and runs the choking loop
// concurrently unless disabled.
func (h *Host) Serve(ctx context.Context, listeners []Listener) error {
	if !h.opts.ChokingDisabled {
		go h.chokeLoop(ctx)
	}
	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		go h.acceptLoop(ctx, ln, errCh)
	}
	<-ctx.Done()
	for _, ln := range listeners {
		ln.Close()
	}
	return ctx.Err()
}

func (h *Host) acceptLoop(ctx context.Context, ln Listener, errCh chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			h.opts.Logger.WithDefaultLevel(log.Debug).Printf("accept failed: %v", err)
			return
		}
		var xc xconn.Connection
		if ln.IsDatagram() {
			xc = xconn.NewDatagram(conn, h.opts.Logger)
		} else {
			xc = xconn.NewStream(conn, h.opts.Logger)
		}
		peerID := conn.RemoteAddr().String()
		h.registerPeer(peerID, xc)
		go h.handleConnection(ctx, peerID, xc)
	}
}

func (h *Host) registerPeer(peerID string, conn xconn.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Every peer starts unchoked: an optimistic unchoke that lasts until
	// the first choke round (up to ChokeUpdateInterval later) reassesses
	// contribution. Without this, a peer requesting chunks before the
	// first tick (or the default 10s interval elapsing at all) would be
	// refused every request and never get the chance to contribute.
	h.peers[peerID] = &peerState{conn: conn, unchoked: true}
}

func (h *Host) unregisterPeer(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peerID)
}

// handleConnection answers metadata and chunk requests on one connection
// until it closes or ctx is done, per spec.md §4.10.
func (h *Host) handleConnection(ctx context.Context, peerID string, conn xconn.Connection) {
	defer h.unregisterPeer(peerID)
	defer conn.Close()

	metaSub, metaUnsub := conn.Subscribe(wire.TypeMetadata)
	defer metaUnsub()
	chunkSub, chunkUnsub := conn.Subscribe(wire.TypeChunk)
	defer chunkUnsub()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-metaSub:
			if !ok {
				return
			}
			h.replyMetadata(conn, m)
		case m, ok := <-chunkSub:
			if !ok {
				return
			}
			if !h.isUnchoked(peerID) {
				conn.Send(wire.Message{Type: wire.TypeChunkResponse, Digest: m.Digest, StartChunk: m.StartChunk, Error: "choked"})
				continue
			}
			h.replyChunk(ctx, conn, peerID, m)
		}
	}
}

func (h *Host) isUnchoked(peerID string) bool {
	if h.opts.ChokingDisabled {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.peers[peerID]
	return ok && st.unchoked
}

func (h *Host) replyMetadata(conn xconn.Connection, m wire.Message) {
	totalBytes, chunkSize, ok := h.provider.Metadata(m.Digest)
	if !ok {
		conn.Send(wire.Message{Type: wire.TypeMetadataResponse, Digest: m.Digest, Error: "unknown digest"})
		return
	}
	totalChunks := 0
	if chunkSize > 0 {
		totalChunks = int((totalBytes + int64(chunkSize) - 1) / int64(chunkSize))
	}
	conn.Send(wire.Message{
		Type:        wire.TypeMetadataResponse,
		Digest:      m.Digest,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
	})
}

func (h *Host) replyChunk(ctx context.Context, conn xconn.Connection, peerID string, m wire.Message) {
	data, err := h.provider.ReadChunk(m.Digest, m.StartChunk)
	if err != nil {
		conn.Send(wire.Message{Type: wire.TypeChunkResponse, Digest: m.Digest, StartChunk: m.StartChunk, Error: fmt.Sprintf("%v", err)})
		return
	}
	if h.opts.RateLimit != nil {
		if err := h.opts.RateLimit.WaitN(ctx, len(data)); err != nil {
			return
		}
	}
	conn.Send(wire.Message{Type: wire.TypeChunkResponse, Digest: m.Digest, StartChunk: m.StartChunk, Data: data})
	h.recordContribution(peerID, len(data))
}

func (h *Host) recordContribution(peerID string, bytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.peers[peerID]; ok {
		st.contribution += int64(bytes)
	}
}

// chokeLoop implements spec.md §4.10's choking policy: every
// ChokeUpdateInterval, unchoke the top MaxUnchoked-1 contributors plus one
// randomly chosen "optimistic unchoke" peer; choke everyone else. The
// super-seed variant prefers zero-contribution peers so pieces propagate.
func (h *Host) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.ChokeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runChokeRound()
		}
	}
}

func (h *Host) runChokeRound() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}

	if h.opts.SuperSeed {
		sort.Slice(ids, func(i, j int) bool {
			return h.peers[ids[i]].contribution < h.peers[ids[j]].contribution
		})
	} else {
		sort.Slice(ids, func(i, j int) bool {
			return h.peers[ids[i]].contribution > h.peers[ids[j]].contribution
		})
	}

	unchokeCount := h.opts.MaxUnchoked - 1
	if unchokeCount < 0 {
		unchokeCount = 0
	}
	if unchokeCount > len(ids) {
		unchokeCount = len(ids)
	}

	for _, id := range ids {
		h.peers[id].unchoked = false
	}
	for i := 0; i < unchokeCount; i++ {
		h.peers[ids[i]].unchoked = true
	}

	// Optimistic unchoke: one more peer, chosen at random from the rest.
	rest := ids[unchokeCount:]
	if len(rest) > 0 {
		pick := rest[rand.Intn(len(rest))]
		h.peers[pick].unchoked = true
	}
}
