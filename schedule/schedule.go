// Package schedule drives a single multi-peer chunk download end to end:
// connection setup, metadata discovery, the dispatch loop, peer selection
// and evaluation, parallelism adaptation, and cancellation. It is the
// centerpiece component and implements spec.md §4.9 verbatim. Grounded on
// the teacher's webseed-peer.go requester-goroutine-per-peer pattern
// (activeRequests map, wakeup channel) generalized from one fixed webseed
// to N dynamically-evaluated peers, and on the request-strategy package's
// ordered btree for the missing/retry queue.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ajwerner/btree"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/chunkswarm/chunkswarm/assemble"
	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

// Dialer opens (or reopens) a connection to peerID. The scheduler treats
// it as a black box over C5/C6; production callers build one from
// traversal.Connect + xconn.NewStream/NewDatagram, tests can substitute an
// in-memory pair.
type Dialer func(ctx context.Context, peerID string) (xconn.Connection, error)

// Options configures one Download call. Zero values take spec.md's
// defaults.
type Options struct {
	MinConcurrency        int
	MaxConcurrency        int
	BandwidthCheckInterval time.Duration
	SlowPeerThreshold      float64 // fraction of mean EWMA, default 0.5
	EWMAAlpha              float64 // default 0.3
	Resume                 bool

	ProgressCallback   func(received, total int64)
	PeerStatusCallback func(peerID, status string, detail string)

	Logger log.Logger
}

func (o Options) withDefaults() Options {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.BandwidthCheckInterval <= 0 {
		o.BandwidthCheckInterval = 5 * time.Second
	}
	if o.SlowPeerThreshold <= 0 {
		o.SlowPeerThreshold = 0.5
	}
	if o.EWMAAlpha <= 0 {
		o.EWMAAlpha = 0.3
	}
	return o
}

// peerStats is the scheduler-owned, single-mutator state for one peer
// (spec.md §5: "peer-statistics maps are owned by the download driver").
type peerStats struct {
	conn                xconn.Connection
	active              bool
	ewma                float64
	consecutiveFailures int
}

// Scheduler drives downloads for a fixed Dialer.
type Scheduler struct {
	dial Dialer
}

// New returns a Scheduler that opens peer connections via dial.
func New(dial Dialer) *Scheduler {
	return &Scheduler{dial: dial}
}

// ErrNoMetadata is returned when every peer failed to answer a metadata
// query.
var ErrNoMetadata = fmt.Errorf("no_metadata")

// ErrChunkExhausted is returned when one chunk index has failed more than
// 2×peer_count times overall (spec.md §4.9).
type ErrChunkExhausted struct {
	ChunkIndex int
	Failures   int
}

func (e *ErrChunkExhausted) Error() string {
	return fmt.Sprintf("chunk_exhausted{index=%d, failures=%d}", e.ChunkIndex, e.Failures)
}

// ErrAborted is returned by Download when the download's abort flag
// (download.Abort) was set before completion. Download hands no cancel
// handle to its caller, so from outside a download is stopped by
// cancelling ctx, which ends it with ctx.Err() instead.
var ErrAborted = fmt.Errorf("download aborted")

type chunkResult struct {
	peerID string
	index  int
	data   []byte
	err    error
	// transportErr marks a failure as "the connection itself is broken"
	// (e.g. Send failed) as opposed to an application-level refusal or a
	// plain timeout, per spec.md §4.9's failure model distinguishing
	// transport-level errors (reconnect-then-deactivate) from ordinary
	// chunk retries (deactivate after three consecutive failures).
	transportErr bool
}

// connResult is one resolved (or failed) dial, produced by the
// background dialer goroutines connectInitial spawns and consumed either
// synchronously (the initial burst) or later via lateConnCh (spec.md
// §4.9 step 1: "remaining attempts launched in the background").
type connResult struct {
	id   string
	conn xconn.Connection
	err  error
}

// download holds all mutable state for one in-progress Download call;
// every field here is owned by the single goroutine running runLoop,
// except aborted/stopped which are checked/set under mu from other
// goroutines.
type download struct {
	sched *Scheduler
	opts  Options

	peerIDs []string
	stats   map[string]*peerStats

	asm         *assemble.Assembler
	totalChunks int
	chunkSize   int

	missing      btree.Set[int]
	missingCount int
	inFlight     int
	failures     map[int]int

	concurrency    int
	throughputHist []float64

	// lateConnCh carries background dial results (beyond the initial
	// burst) into runLoop, so stats assignment stays on the single driver
	// goroutine that owns d.stats (spec.md §5).
	lateConnCh chan connResult

	mu      sync.Mutex
	aborted bool
	stopped bool
}

// Download runs spec.md §4.9's setup, main loop, and failure model to
// completion, writing the assembled file to savePath.
func (s *Scheduler) Download(ctx context.Context, peerIDs []string, digest string, savePath string, opts Options) error {
	opts = opts.withDefaults()
	d := &download{
		sched:      s,
		opts:       opts,
		peerIDs:    peerIDs,
		stats:      make(map[string]*peerStats, len(peerIDs)),
		failures:   make(map[int]int),
		missing:    btree.MakeSet(func(a, b int) int { return a - b }),
		lateConnCh: make(chan connResult, len(peerIDs)),
	}
	for _, id := range peerIDs {
		d.stats[id] = &peerStats{active: true}
	}

	if err := d.connectInitial(ctx); err != nil {
		d.stop()
		return err
	}
	totalBytes, chunkSize, totalChunks, err := d.fetchMetadata(ctx, digest)
	if err != nil {
		d.stop()
		d.closeAllConnections()
		return err
	}
	d.chunkSize = chunkSize
	d.totalChunks = totalChunks
	d.concurrency = initialConcurrency(totalBytes, opts.MinConcurrency, opts.MaxConcurrency)

	asm, err := assemble.Open(savePath, totalBytes, chunkSize, digest, opts.Resume)
	if err != nil {
		d.stop()
		d.closeAllConnections()
		return fmt.Errorf("open output file: %w", err)
	}
	d.asm = asm

	for i := 0; i < totalChunks; i++ {
		if !asm.Completed(i) {
			d.missing.Upsert(i)
			d.missingCount++
		}
	}

	err = d.runLoop(ctx, digest)
	d.stop()
	if err != nil {
		d.asm.Abort()
		d.closeAllConnections()
		return err
	}
	if err := d.asm.Finish(); err != nil {
		d.closeAllConnections()
		return err
	}
	d.closeAllConnections()
	return nil
}

// Abort requests cooperative cancellation; tasks already in flight may
// still run to completion but their results are discarded (spec.md §4.9).
func (d *download) Abort() {
	d.mu.Lock()
	d.aborted = true
	d.mu.Unlock()
}

func (d *download) isAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// stop marks the download as finished, so any background dial still in
// flight (drainLateConns) closes its connection instead of forwarding it
// to a driver goroutine that's no longer running.
func (d *download) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *download) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func initialConcurrency(totalBytes int64, min, max int) int {
	const mebibyte = 1 << 20
	const hundredMebibytes = 100 * mebibyte
	if totalBytes < mebibyte {
		return min
	}
	if totalBytes >= hundredMebibytes {
		return max
	}
	frac := float64(totalBytes-mebibyte) / float64(hundredMebibytes-mebibyte)
	c := min + int(frac*float64(max-min))
	if c < min {
		c = min
	}
	if c > max {
		c = max
	}
	return c
}

// connectInitial dials every peer concurrently but only blocks on the
// first three to resolve; the rest "join in the background without
// blocking the start" (spec.md §4.9 step 1) via drainLateConns, which
// forwards them to lateConnCh for runLoop to pick up once Download's main
// loop is running.
func (d *download) connectInitial(ctx context.Context) error {
	resCh := make(chan connResult, len(d.peerIDs))
	for _, id := range d.peerIDs {
		id := id
		go func() {
			c, err := d.sched.dial(ctx, id)
			resCh <- connResult{id, c, err}
		}()
	}

	burst := 3
	if burst > len(d.peerIDs) {
		burst = len(d.peerIDs)
	}

	anyConnected := false
	received := 0
	for ; received < burst; received++ {
		r := <-resCh
		if r.err != nil {
			d.opts.Logger.WithDefaultLevel(log.Debug).Printf("connect to %s failed: %v", r.id, r.err)
			d.markPeerInactive(r.id, "connect failed")
			continue
		}
		d.stats[r.id].conn = r.conn
		anyConnected = true
	}

	if remaining := len(d.peerIDs) - received; remaining > 0 {
		go d.drainLateConns(resCh, remaining)
	}

	if !anyConnected {
		return fmt.Errorf("no peer connections could be established")
	}
	return nil
}

// drainLateConns reads the dials connectInitial didn't wait for and
// forwards each onto lateConnCh so runLoop's driver goroutine is the only
// one that ever assigns st.conn. If the download has already stopped (or
// lateConnCh's buffer is somehow full), the connection is closed directly
// instead of leaking.
func (d *download) drainLateConns(resCh <-chan connResult, remaining int) {
	for i := 0; i < remaining; i++ {
		r := <-resCh
		if d.isStopped() {
			if r.conn != nil {
				r.conn.Close()
			}
			continue
		}
		select {
		case d.lateConnCh <- r:
		default:
			if r.conn != nil {
				r.conn.Close()
			}
		}
	}
}

// assignLateConn incorporates one background dial result into the running
// download, called only from runLoop's driver goroutine.
func (d *download) assignLateConn(lc connResult) {
	if lc.err != nil {
		d.opts.Logger.WithDefaultLevel(log.Debug).Printf("background connect to %s failed: %v", lc.id, lc.err)
		d.markPeerInactive(lc.id, "connect failed")
		return
	}
	st, ok := d.stats[lc.id]
	if !ok || st.conn != nil {
		lc.conn.Close()
		return
	}
	st.conn = lc.conn
	st.active = true
	if d.opts.PeerStatusCallback != nil {
		d.opts.PeerStatusCallback(lc.id, "active", "connected in background")
	}
}

// fetchMetadata queries metadata over the first connected peer, trying the
// next on error or absence, per spec.md §4.9 step 2.
func (d *download) fetchMetadata(ctx context.Context, digest string) (totalBytes int64, chunkSize int, totalChunks int, err error) {
	for _, id := range d.peerIDs {
		st := d.stats[id]
		if st.conn == nil {
			continue
		}
		sub, unsub := st.conn.Subscribe(wire.TypeMetadataResponse)
		if err := st.conn.Send(wire.Message{Type: wire.TypeMetadata, ClientID: id, Digest: digest}); err != nil {
			unsub()
			d.markPeerInactive(id, "metadata send failed")
			continue
		}
		select {
		case m := <-sub:
			unsub()
			if m.Error != "" || m.TotalChunks == 0 {
				continue
			}
			return m.TotalBytes, m.ChunkSize, m.TotalChunks, nil
		case <-time.After(10 * time.Second):
			unsub()
			continue
		case <-ctx.Done():
			unsub()
			return 0, 0, 0, ctx.Err()
		}
	}
	return 0, 0, 0, ErrNoMetadata
}

// runLoop is spec.md §4.9's main loop.
func (d *download) runLoop(ctx context.Context, digest string) error {
	results := make(chan chunkResult, d.concurrency*2)
	checkTicker := time.NewTicker(d.opts.BandwidthCheckInterval)
	defer checkTicker.Stop()

	peerCount := len(d.peerIDs)

	for d.remaining() > 0 {
		if d.isAborted() {
			return ErrAborted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for d.inFlight < d.concurrency && d.missingCount > 0 {
			index, ok := d.dequeueMissing()
			if !ok {
				break
			}
			peerID, ok := d.selectPeer()
			if !ok {
				d.reactivateAll()
				peerID, ok = d.selectPeer()
				if !ok {
					d.requeue(index)
					break
				}
			}
			// Snapshot the connection here, on the single driver goroutine
			// that owns d.stats, so the dispatch goroutine never reads
			// st.conn concurrently with a later reconnect/late-connect
			// mutating it.
			conn := d.stats[peerID].conn
			d.inFlight++
			go d.dispatchChunk(ctx, peerID, conn, index, digest, results)
		}

		if d.inFlight == 0 && d.missingCount == 0 {
			break
		}

		select {
		case r := <-results:
			d.inFlight--
			if r.err != nil {
				d.handleFailure(ctx, r, peerCount)
				if d.failures[r.index] > 2*peerCount {
					return &ErrChunkExhausted{ChunkIndex: r.index, Failures: d.failures[r.index]}
				}
				continue
			}
			if err := d.asm.WriteChunk(r.index, r.data); err != nil {
				return fmt.Errorf("write chunk %d: %w", r.index, err)
			}
			d.recordSuccess(r.peerID, len(r.data))
			if d.opts.ProgressCallback != nil {
				d.opts.ProgressCallback(d.asm.BytesReceived(), d.asm.TotalBytes())
			}
			d.adaptParallelism()
		case lc := <-d.lateConnCh:
			d.assignLateConn(lc)
		case <-checkTicker.C:
			d.evaluatePeers()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *download) remaining() int {
	return d.totalChunks - d.asm.CompletedCount()
}

func (d *download) dequeueMissing() (int, bool) {
	it := d.missing.Iterator()
	it.First()
	if !it.Valid() {
		return 0, false
	}
	idx := it.Cur()
	d.missing.Delete(idx)
	d.missingCount--
	return idx, true
}

func (d *download) requeue(index int) {
	d.missing.Upsert(index)
	d.missingCount++
}

// selectPeer implements spec.md §4.9's peer selection: among active peers
// sorted by descending EWMA, 70% of the time pick the top peer (if its
// EWMA is positive), otherwise pick uniformly from the top half.
func (d *download) selectPeer() (string, bool) {
	var active []string
	for id, st := range d.stats {
		if st.active && st.conn != nil {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return "", false
	}
	sort.Slice(active, func(i, j int) bool {
		return d.stats[active[i]].ewma > d.stats[active[j]].ewma
	})
	if rand.Float64() < 0.7 && d.stats[active[0]].ewma > 0 {
		return active[0], true
	}
	half := (len(active) + 1) / 2
	return active[rand.Intn(half)], true
}

func (d *download) reactivateAll() {
	for _, st := range d.stats {
		if st.conn != nil {
			st.active = true
			st.consecutiveFailures = 0
		}
	}
}

// dispatchChunk sends one chunk request over conn (a snapshot taken by the
// driver, never read from d.stats here) and waits for the matching
// response. A connection can have several chunk requests in flight at
// once (concurrency > 1 against a single peer, spec.md §8 scenario 3), and
// every in-flight subscriber on that connection receives every
// chunk-response the peer sends (xconn's dispatcher broadcasts by message
// type, not by request) — so replies are correlated by StartChunk, and any
// response meant for a different in-flight request is left for its own
// dispatchChunk to pick up.
func (d *download) dispatchChunk(ctx context.Context, peerID string, conn xconn.Connection, index int, digest string, results chan<- chunkResult) {
	if d.isAborted() {
		results <- chunkResult{peerID: peerID, index: index, err: ErrAborted}
		return
	}
	sub, unsub := conn.Subscribe(wire.TypeChunkResponse)
	defer unsub()

	if err := conn.Send(wire.Message{Type: wire.TypeChunk, ClientID: peerID, Digest: digest, StartChunk: index}); err != nil {
		results <- chunkResult{peerID: peerID, index: index, err: err, transportErr: true}
		return
	}
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case m := <-sub:
			if m.Digest != digest || m.StartChunk != index {
				continue // a reply for a different in-flight request on this connection
			}
			if m.Error != "" {
				results <- chunkResult{peerID: peerID, index: index, err: fmt.Errorf("%s", m.Error)}
				return
			}
			results <- chunkResult{peerID: peerID, index: index, data: m.Data}
			return
		case <-deadline.C:
			results <- chunkResult{peerID: peerID, index: index, err: fmt.Errorf("chunk request timed out")}
			return
		case <-ctx.Done():
			results <- chunkResult{peerID: peerID, index: index, err: ctx.Err()}
			return
		}
	}
}

// handleFailure implements spec.md §4.9's failure model: a transport-level
// error (Send itself failed) gets one reconnection attempt via the Dialer
// before the peer is deactivated; any other chunk failure (timeout,
// application-level error) counts toward the ordinary three-consecutive-
// failure deactivation. The chunk is always re-enqueued for another peer.
func (d *download) handleFailure(ctx context.Context, r chunkResult, peerCount int) {
	d.failures[r.index]++
	d.requeue(r.index)

	st, ok := d.stats[r.peerID]
	if !ok {
		return
	}

	if r.transportErr {
		if d.reconnectPeer(ctx, r.peerID) {
			return
		}
		d.markPeerInactive(r.peerID, "transport error, reconnection failed")
		return
	}

	st.consecutiveFailures++
	if st.consecutiveFailures >= 3 {
		d.markPeerInactive(r.peerID, "three consecutive failures")
	}
}

// reconnectPeer closes peerID's broken connection and dials it again once
// via the Scheduler's Dialer, resetting its failure count on success.
func (d *download) reconnectPeer(ctx context.Context, peerID string) bool {
	st, ok := d.stats[peerID]
	if !ok {
		return false
	}
	if st.conn != nil {
		st.conn.Close()
		st.conn = nil
	}
	conn, err := d.sched.dial(ctx, peerID)
	if err != nil {
		d.opts.Logger.WithDefaultLevel(log.Debug).Printf("reconnect to %s failed: %v", peerID, err)
		return false
	}
	st.conn = conn
	st.consecutiveFailures = 0
	st.active = true
	return true
}

func (d *download) recordSuccess(peerID string, bytes int) {
	st, ok := d.stats[peerID]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	instant := float64(bytes)
	st.ewma = d.opts.EWMAAlpha*instant + (1-d.opts.EWMAAlpha)*st.ewma
	d.throughputHist = append(d.throughputHist, instant)
	if len(d.throughputHist) > 3 {
		d.throughputHist = d.throughputHist[len(d.throughputHist)-3:]
	}
}

func (d *download) markPeerInactive(peerID, reason string) {
	st, ok := d.stats[peerID]
	if ok {
		st.active = false
	}
	if d.opts.PeerStatusCallback != nil {
		d.opts.PeerStatusCallback(peerID, "inactive", reason)
	}
}

// evaluatePeers implements spec.md §4.9's peer evaluation: deactivate
// below-threshold peers, then reactivate the fastest inactive peers until
// the floor of min(3, peer_count) active peers is met.
func (d *download) evaluatePeers() {
	var activeIDs []string
	var sum float64
	for id, st := range d.stats {
		if st.active && st.conn != nil {
			activeIDs = append(activeIDs, id)
			sum += st.ewma
		}
	}
	if len(activeIDs) == 0 {
		return
	}
	mean := sum / float64(len(activeIDs))
	threshold := d.opts.SlowPeerThreshold * mean
	for _, id := range activeIDs {
		if d.stats[id].ewma < threshold {
			d.markPeerInactive(id, "below slow-peer threshold")
		}
	}

	floor := 3
	if len(d.peerIDs) < floor {
		floor = len(d.peerIDs)
	}
	activeCount := 0
	for _, st := range d.stats {
		if st.active && st.conn != nil {
			activeCount++
		}
	}
	if activeCount >= floor {
		return
	}
	var inactive []string
	for id, st := range d.stats {
		if !st.active && st.conn != nil {
			inactive = append(inactive, id)
		}
	}
	sort.Slice(inactive, func(i, j int) bool {
		return d.stats[inactive[i]].ewma > d.stats[inactive[j]].ewma
	})
	for _, id := range inactive {
		if activeCount >= floor {
			break
		}
		st := d.stats[id]
		st.active = true
		st.consecutiveFailures = 0
		activeCount++
		if d.opts.PeerStatusCallback != nil {
			d.opts.PeerStatusCallback(id, "active", "reactivated to meet floor")
		}
	}
}

// adaptParallelism implements spec.md §4.9's parallelism adaptation from a
// 3-sample throughput history.
func (d *download) adaptParallelism() {
	if len(d.throughputHist) < 2 {
		return
	}
	latest := d.throughputHist[len(d.throughputHist)-1]
	previous := d.throughputHist[len(d.throughputHist)-2]
	if previous == 0 {
		return
	}
	ratio := latest / previous
	switch {
	case ratio > 1.1:
		if d.concurrency < d.opts.MaxConcurrency {
			d.concurrency++
		}
	case ratio < 0.9:
		if d.concurrency > d.opts.MinConcurrency {
			d.concurrency--
		}
	}
}

func (d *download) closeAllConnections() {
	for _, st := range d.stats {
		if st.conn != nil {
			st.conn.Close()
		}
	}
	// Any background dial that had already landed in lateConnCh's buffer
	// before the download stopped never got assigned; close it too.
	for {
		select {
		case lc := <-d.lateConnCh:
			if lc.conn != nil {
				lc.conn.Close()
			}
		default:
			return
		}
	}
}

// Stats returns a human-readable progress summary of the download.
func (d *download) Stats() string {
	return fmt.Sprintf("%s / %d chunks", humanize.Bytes(uint64(d.asm.BytesReceived())), d.totalChunks)
}
