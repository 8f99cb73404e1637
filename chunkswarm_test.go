package chunkswarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultConfigAppliesSpecDefaults(t *testing.T) {
	cfg := NewDefaultConfig("self-1")
	assert.Equal(t, 1, cfg.MinConcurrency)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Equal(t, 4, cfg.MaxUnchoked)
	assert.Equal(t, 0.5, cfg.SlowPeerThreshold)
	assert.NotNil(t, cfg.Signal)
}

func TestNewClientWithoutRegistryPathUsesInMemoryRegistry(t *testing.T) {
	cfg := NewDefaultConfig("self-1")
	c, err := NewClient(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, c.reg)
}

func TestIsDatagramMethodClassifiesCorrectly(t *testing.T) {
	assert.False(t, isDatagramMethod("reliable-stream"))
	assert.True(t, isDatagramMethod("datagram"))
	assert.True(t, isDatagramMethod("datagram-hole-punch"))
}
