// Package portmap requests, renews, and releases external port mappings
// through the two standard gateway protocols (UPnP IGD and NAT-PMP), and
// discovers the external address via each. Renewal is the caller's
// responsibility; Client only tracks whether a Mapping is still valid.
package portmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// GatewayProtocol is the closed set of port-mapping protocols this client
// tries, in order.
type GatewayProtocol int

const (
	UPnP GatewayProtocol = iota
	NATPMP
)

func (p GatewayProtocol) String() string {
	if p == NATPMP {
		return "nat-pmp"
	}
	return "upnp"
}

// Mapping is the outcome of a successful mapping request.
type Mapping struct {
	Protocol     GatewayProtocol
	IPProto      string // "tcp" or "udp", as requested
	InternalPort int
	ExternalPort int
	ExternalAddr string // empty if the protocol didn't return one
	Lifetime     time.Duration
	obtainedAt   time.Time
}

// Valid reports whether the mapping is still within half its granted
// lifetime, per spec.md §4.3 ("valid until half of its granted lifetime
// has elapsed"). A zero Lifetime (no expiry reported) is always valid.
func (m Mapping) Valid() bool {
	if m.Lifetime <= 0 {
		return true
	}
	return time.Since(m.obtainedAt) < m.Lifetime/2
}

// MappingError reports a failed mapping attempt against one protocol.
type MappingError struct {
	Protocol GatewayProtocol
	Cause    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping_error{protocol=%v, cause=%v}", e.Protocol, e.Cause)
}

func (e *MappingError) Unwrap() error { return e.Cause }

// Client requests mappings via UPnP first, then NAT-PMP. ExternalAddress
// uses NAT-PMP only, and Release uses the protocol that created the mapping.
type Client struct {
	Logger log.Logger

	mu       sync.Mutex
	released map[portKey]struct{}
}

type portKey struct {
	proto    string
	external int
}

// NewClient returns a ready Client.
func NewClient(logger log.Logger) *Client {
	return &Client{Logger: logger, released: make(map[portKey]struct{})}
}

// RequestMapping asks the local gateway to map internalPort (protocol proto,
// "tcp" or "udp") to an external port for lifetime. It tries UPnP then
// NAT-PMP, returning the first success, or an error naming both failures.
func (c *Client) RequestMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (Mapping, error) {
	m, err := c.requestUPnP(ctx, proto, internalPort, lifetime)
	if err == nil {
		return m, nil
	}
	upnpErr := err
	m, err = c.requestNATPMP(proto, internalPort, lifetime)
	if err == nil {
		return m, nil
	}
	return Mapping{}, fmt.Errorf("both gateway protocols failed: upnp=%v nat-pmp=%v", upnpErr, err)
}

func (c *Client) requestUPnP(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (Mapping, error) {
	devs := upnp.Discover(0, 2*time.Second)
	if len(devs) == 0 {
		return Mapping{}, &MappingError{Protocol: UPnP, Cause: fmt.Errorf("no UPnP gateway discovered")}
	}
	var lastErr error
	for _, d := range devs {
		ext, err := d.AddPortMapping(proto, internalPort, internalPort, "chunkswarm", int(lifetime.Seconds()))
		if err != nil {
			lastErr = err
			continue
		}
		addr, _ := d.ExternalIP()
		return Mapping{
			Protocol:     UPnP,
			IPProto:      proto,
			InternalPort: internalPort,
			ExternalPort: ext,
			ExternalAddr: addr,
			Lifetime:     lifetime,
			obtainedAt:   time.Now(),
		}, nil
	}
	return Mapping{}, &MappingError{Protocol: UPnP, Cause: lastErr}
}

func (c *Client) requestNATPMP(proto string, internalPort int, lifetime time.Duration) (Mapping, error) {
	gw, err := natpmp.DiscoverGateway()
	if err != nil {
		return Mapping{}, &MappingError{Protocol: NATPMP, Cause: err}
	}
	client := natpmp.NewClient(gw)
	resp, err := client.AddPortMapping(proto, internalPort, internalPort, int(lifetime.Seconds()))
	if err != nil {
		return Mapping{}, &MappingError{Protocol: NATPMP, Cause: err}
	}
	extAddr := ""
	if info, err := client.GetExternalAddress(); err == nil {
		extAddr = info.ExternalIPAddress.String()
	}
	return Mapping{
		Protocol:     NATPMP,
		IPProto:      proto,
		InternalPort: internalPort,
		ExternalPort: int(resp.MappedExternalPort),
		ExternalAddr: extAddr,
		Lifetime:     time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second,
		obtainedAt:   time.Now(),
	}, nil
}

// ExternalAddress discovers the external address via NAT-PMP's
// binding-request/echo exchange with the gateway.
func (c *Client) ExternalAddress(ctx context.Context) (string, error) {
	gw, err := natpmp.DiscoverGateway()
	if err != nil {
		return "", fmt.Errorf("discover gateway: %w", err)
	}
	info, err := natpmp.NewClient(gw).GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("get external address: %w", err)
	}
	return info.ExternalIPAddress.String(), nil
}

// Release releases a previously obtained mapping by its external port and
// protocol, per spec.md §4.3 ("released by external port and protocol").
// Idempotent: releasing an already-released mapping is a no-op.
func (c *Client) Release(m Mapping) error {
	c.mu.Lock()
	key := portKey{proto: m.Protocol.String(), external: m.ExternalPort}
	if _, done := c.released[key]; done {
		c.mu.Unlock()
		return nil
	}
	c.released[key] = struct{}{}
	c.mu.Unlock()

	switch m.Protocol {
	case UPnP:
		devs := upnp.Discover(0, 2*time.Second)
		if len(devs) == 0 {
			return fmt.Errorf("no UPnP gateway to release mapping from")
		}
		return devs[0].DeletePortMapping(m.IPProto, m.ExternalPort)
	case NATPMP:
		gw, err := natpmp.DiscoverGateway()
		if err != nil {
			return err
		}
		// NAT-PMP releases a mapping by requesting it again with a zero
		// lifetime.
		_, err = natpmp.NewClient(gw).AddPortMapping(m.IPProto, m.InternalPort, 0, 0)
		return err
	default:
		return fmt.Errorf("unknown protocol %v", m.Protocol)
	}
}
