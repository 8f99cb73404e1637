// Package registry persists, per peer, the transport method and endpoint
// that last succeeded, so the traversal orchestrator can try it first next
// time (spec.md §4.7). It is keyed strictly by the caller-supplied stable
// peer identifier, never by a transient remote_addr:remote_port pair (see
// SPEC_FULL.md §7 item 3 / DESIGN.md open-question 3).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/sync"

	"github.com/chunkswarm/chunkswarm/wire"
)

// Entry is one remembered successful connection.
type Entry struct {
	Method        wire.Method `json:"method"`
	Address       string      `json:"address"`
	Port          int         `json:"port"`
	LastSuccessAt time.Time   `json:"last_success_at"`
}

// Registry is safe for concurrent use. Writes are infrequent relative to
// reads, so it holds a read-write lock over an immutable map value and
// replaces the whole map on write (copy-on-write), per spec.md §5.
type Registry struct {
	path string

	mu    sync.RWMutex
	table map[string]Entry
}

// New returns an empty, unpersisted registry. The scheduler must work
// correctly against one of these (spec.md §4.7: "Not part of correctness
// — the scheduler must work with an empty registry").
func New() *Registry {
	return &Registry{table: make(map[string]Entry)}
}

// Load reads a previously persisted registry from path. A missing file is
// not an error: it returns an empty registry bound to path for future
// saves.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, table: make(map[string]Entry)}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(b, &r.table); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the remembered entry for peerID, if any.
func (r *Registry) Get(peerID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table[peerID]
	return e, ok
}

// Put records the method/endpoint that last succeeded for peerID.
func (r *Registry) Put(peerID string, method wire.Method, address string, port int) error {
	r.mu.Lock()
	next := make(map[string]Entry, len(r.table)+1)
	for k, v := range r.table {
		next[k] = v
	}
	next[peerID] = Entry{Method: method, Address: address, Port: port, LastSuccessAt: time.Now()}
	r.table = next
	r.mu.Unlock()
	return r.persist()
}

// Forget removes any remembered entry for peerID.
func (r *Registry) Forget(peerID string) error {
	r.mu.Lock()
	if _, ok := r.table[peerID]; !ok {
		r.mu.Unlock()
		return nil
	}
	next := make(map[string]Entry, len(r.table))
	for k, v := range r.table {
		if k != peerID {
			next[k] = v
		}
	}
	r.table = next
	r.mu.Unlock()
	return r.persist()
}

// persist writes the table to disk atomically (write-new-then-rename),
// per spec.md §4.7. A registry with no path is in-memory only.
func (r *Registry) persist() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	b, err := json.Marshal(r.table)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}
