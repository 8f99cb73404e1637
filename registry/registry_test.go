package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/wire"
)

func TestEmptyRegistryWorks(t *testing.T) {
	r := New()
	_, ok := r.Get("peer1")
	assert.False(t, ok)
}

func TestPutGetForget(t *testing.T) {
	r := New()
	require.NoError(t, r.Put("peer1", wire.MethodReliableStream, "1.2.3.4", 5000))
	e, ok := r.Get("peer1")
	require.True(t, ok)
	assert.Equal(t, wire.MethodReliableStream, e.Method)
	assert.Equal(t, "1.2.3.4", e.Address)
	assert.Equal(t, 5000, e.Port)

	require.NoError(t, r.Forget("peer1"))
	_, ok = r.Get("peer1")
	assert.False(t, ok)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, r.Put("peer1", wire.MethodDatagramHolePunch, "5.6.7.8", 9000))

	r2, err := Load(path)
	require.NoError(t, err)
	e, ok := r2.Get("peer1")
	require.True(t, ok)
	assert.Equal(t, wire.MethodDatagramHolePunch, e.Method)
	assert.Equal(t, "5.6.7.8", e.Address)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	_, ok := r.Get("anything")
	assert.False(t, ok)
}

func TestKeyIsStablePeerIDNotEndpoint(t *testing.T) {
	// Two different transient endpoints for the same stable peer id must
	// collapse to one entry (overwritten), not two keys.
	r := New()
	require.NoError(t, r.Put("stable-peer", wire.MethodReliableStream, "10.0.0.1", 1111))
	require.NoError(t, r.Put("stable-peer", wire.MethodDatagram, "10.0.0.2", 2222))
	e, ok := r.Get("stable-peer")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", e.Address)
}
