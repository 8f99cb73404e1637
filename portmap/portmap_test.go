package portmap

import (
	"errors"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
)

func TestMappingValidHalfLifetimeRule(t *testing.T) {
	m := Mapping{Lifetime: 10 * time.Second, obtainedAt: time.Now().Add(-2 * time.Second)}
	assert.True(t, m.Valid(), "2s into a 10s lifetime should still be valid")

	m2 := Mapping{Lifetime: 10 * time.Second, obtainedAt: time.Now().Add(-6 * time.Second)}
	assert.False(t, m2.Valid(), "6s into a 10s lifetime is past the half-life mark")
}

func TestMappingValidNoExpiryAlwaysValid(t *testing.T) {
	m := Mapping{obtainedAt: time.Now().Add(-time.Hour)}
	assert.True(t, m.Valid())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewClient(log.Default)
	m := Mapping{Protocol: UPnP, IPProto: "tcp", ExternalPort: 4000}
	// Pre-mark as released so Release short-circuits before attempting a
	// real (and, in this sandboxed environment, unavailable) UPnP discovery.
	c.mu.Lock()
	c.released[portKey{proto: m.Protocol.String(), external: m.ExternalPort}] = struct{}{}
	c.mu.Unlock()
	assert.NoError(t, c.Release(m))
}

func TestMappingErrorUnwrap(t *testing.T) {
	cause := errors.New("no reply")
	err := &MappingError{Protocol: NATPMP, Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "nat-pmp")
}
