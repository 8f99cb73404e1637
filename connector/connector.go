// Package connector opens reliable-stream and datagram sockets to a single
// endpoint, or to the first reachable of many candidate addresses. It is
// the dial-side counterpart of the teacher's listen-side socket.go: the
// same family-preference and sequential-fallback concerns, applied to
// outbound connection attempts instead of inbound listeners.
package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/chunkswarm/chunkswarm/addr"
)

// Protocol selects the socket kind to open.
type Protocol = addr.Protocol

const (
	Stream   = addr.Stream
	Datagram = addr.Datagram
)

// Options configures a dial attempt.
type Options struct {
	Timeout   time.Duration
	PreferV6  bool
	OnError   func(err error, address string)
	OnConnect func(net.Conn)
	Logger    log.Logger
}

// Connect dials addr:port once, using protocol semantics described in
// spec.md §4.2: a reliable-stream dial races a timer against the OS-level
// connect, while a datagram "connect" binds a local socket and sends one
// short association datagram so downstream code can write back to the
// sender's return address.
func Connect(ctx context.Context, address string, port int, proto Protocol, opts Options) (net.Conn, error) {
	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))

	switch proto {
	case Stream:
		network := streamNetwork(address, opts.PreferV6)
		ctx, cancel := context.WithTimeout(ctx, nonZero(opts.Timeout, 10*time.Second))
		defer cancel()
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, network, target)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("timed out: %w", err)
			}
			if opts.OnError != nil {
				opts.OnError(err, address)
			}
			return nil, err
		}
		if opts.OnConnect != nil {
			opts.OnConnect(conn)
		}
		return conn, nil
	case Datagram:
		network := datagramNetwork(address, opts.PreferV6)
		conn, err := net.Dial(network, target)
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(err, address)
			}
			return nil, err
		}
		// Send a short association datagram so NAT state is opened and the
		// peer can identify our return address immediately.
		if _, err := conn.Write([]byte{0}); err != nil {
			opts.Logger.WithDefaultLevel(log.Debug).Printf("association datagram failed to %v: %v", target, err)
		}
		if opts.OnConnect != nil {
			opts.OnConnect(conn)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown protocol %v", proto)
	}
}

// ConnectFirstAvailable attempts connections to addresses in preference
// order, giving each a slice of the overall timeout (spec.md §4.2). It
// succeeds on the first successful attempt and fails with the last error
// otherwise. A single address gets the whole timeout budget.
func ConnectFirstAvailable(ctx context.Context, addresses []string, port int, proto Protocol, opts Options) (net.Conn, string, addr.Family, error) {
	if len(addresses) == 0 {
		return nil, "", addr.Invalid, fmt.Errorf("no addresses given")
	}
	sorted := addr.SortByPreference(addresses, opts.PreferV6)
	total := nonZero(opts.Timeout, 10*time.Second)
	perAttempt := total
	if len(sorted) > 1 {
		perAttempt = total / time.Duration(len(sorted))
	}

	var lastErr error
	for _, a := range sorted {
		if addr.Classify(a) == addr.Invalid {
			lastErr = fmt.Errorf("invalid address %q", a)
			if opts.OnError != nil {
				opts.OnError(lastErr, a)
			}
			continue
		}
		attemptOpts := opts
		attemptOpts.Timeout = perAttempt
		conn, err := Connect(ctx, a, port, proto, attemptOpts)
		if err == nil {
			return conn, a, addr.Classify(a), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, "", addr.Invalid, ctx.Err()
		default:
		}
	}
	return nil, "", addr.Invalid, fmt.Errorf("all attempts failed: %w", lastErr)
}

func streamNetwork(address string, preferV6 bool) string {
	if addr.Classify(address) == addr.V6 {
		return "tcp6"
	}
	if addr.Classify(address) == addr.V4 {
		return "tcp4"
	}
	if preferV6 {
		return "tcp6"
	}
	return "tcp4"
}

func datagramNetwork(address string, preferV6 bool) string {
	if addr.Classify(address) == addr.V6 {
		return "udp6"
	}
	if addr.Classify(address) == addr.V4 {
		return "udp4"
	}
	if preferV6 {
		return "udp6"
	}
	return "udp4"
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
