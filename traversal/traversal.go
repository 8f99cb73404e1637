// Package traversal orchestrates connection establishment to a peer across
// the ordered method list of spec.md §4.5, reordering for a registry hint,
// trying each method in turn within its own timeout until one succeeds or
// the overall timeout expires. Grounded on the teacher's listenAll /
// listenAllRetry fallback structure in socket.go, generalized from "try
// each configured listen network" to "try each configured transport
// method".
package traversal

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"

	"github.com/chunkswarm/chunkswarm/connector"
	"github.com/chunkswarm/chunkswarm/portmap"
	"github.com/chunkswarm/chunkswarm/punch"
	"github.com/chunkswarm/chunkswarm/registry"
	"github.com/chunkswarm/chunkswarm/signal"
	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

// Options configures one Connect call.
type Options struct {
	MethodTimeout  time.Duration // default 5s, per-method budget
	OverallTimeout time.Duration // default 30s
	FailFast       bool          // stop at the first method's failure instead of trying the rest
	PreferV6       bool
	Registry       *registry.Registry // optional; nil disables the remembered-method hint
	Signal         signal.Channel      // required for hole-punch / relayed methods
	SelfID         string
	Logger         log.Logger
}

func (o Options) withDefaults() Options {
	if o.MethodTimeout <= 0 {
		o.MethodTimeout = 5 * time.Second
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = 30 * time.Second
	}
	return o
}

// Result describes a successfully established connection. Most methods
// yield a raw net.Conn for the caller to wrap; the relayed/signaled-
// fallback methods have no underlying socket at all (every message rides
// the signaling channel), so they populate PreWrapped instead and leave
// Conn nil.
type Result struct {
	Conn       net.Conn
	PreWrapped xconn.Connection
	Method     wire.Method
	Address    string
	Port       int
}

// MethodError records one failed method attempt within an all-exhausted
// failure.
type MethodError struct {
	Method wire.Method
	Cause  error
}

func (e MethodError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Cause)
}

// ExhaustedError is returned when every candidate method failed.
type ExhaustedError struct {
	Attempts []MethodError
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all methods exhausted (%d attempts)", len(e.Attempts))
}

// Connect tries, in order, every method spec.md §4.5 allows for the given
// endpoints, returning the first connection to succeed. A registry hit for
// peerID moves that method to the front of the order (spec.md §4.7).
func Connect(ctx context.Context, peerID string, endpoints []wire.Endpoint, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if len(endpoints) == 0 {
		return Result{}, fmt.Errorf("no candidate endpoints for peer %s", peerID)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.OverallTimeout)
	defer cancel()

	order := orderedMethods(peerID, opts.Registry)
	byMethod := groupByMethod(endpoints)

	var attempts []MethodError
	for _, method := range order {
		eps, ok := byMethod[method]
		if !ok {
			continue
		}
		for _, ep := range eps {
			select {
			case <-ctx.Done():
				return Result{}, fmt.Errorf("overall timeout exceeded: %w", ctx.Err())
			default:
			}

			methodCtx, methodCancel := context.WithTimeout(ctx, opts.MethodTimeout)
			res, err := attempt(methodCtx, peerID, method, ep, opts)
			methodCancel()
			if err == nil {
				if opts.Registry != nil {
					opts.Registry.Put(peerID, method, res.Address, res.Port)
				}
				return res, nil
			}
			opts.Logger.WithDefaultLevel(log.Debug).Printf("traversal: method %s to %s failed: %v", method, peerID, err)
			attempts = append(attempts, MethodError{Method: method, Cause: err})
			if opts.FailFast {
				return Result{}, &ExhaustedError{Attempts: attempts}
			}
		}
	}
	return Result{}, &ExhaustedError{Attempts: attempts}
}

// orderedMethods returns spec.md's default method order, with the
// registry's remembered method (if any) moved to the front.
func orderedMethods(peerID string, reg *registry.Registry) []wire.Method {
	order := make([]wire.Method, len(wire.DefaultMethodOrder))
	copy(order, wire.DefaultMethodOrder)
	hint := generics.None[wire.Method]()
	if reg != nil {
		if entry, ok := reg.Get(peerID); ok {
			hint = generics.Some(entry.Method)
		}
	}
	if !hint.Ok {
		return order
	}
	for i, m := range order {
		if m == hint.Value {
			reordered := make([]wire.Method, 0, len(order))
			reordered = append(reordered, m)
			reordered = append(reordered, order[:i]...)
			reordered = append(reordered, order[i+1:]...)
			return reordered
		}
	}
	return order
}

func groupByMethod(endpoints []wire.Endpoint) map[wire.Method][]wire.Endpoint {
	out := make(map[wire.Method][]wire.Endpoint)
	for _, ep := range endpoints {
		out[ep.Method] = append(out[ep.Method], ep)
	}
	return out
}

func attempt(ctx context.Context, peerID string, method wire.Method, ep wire.Endpoint, opts Options) (Result, error) {
	switch method {
	case wire.MethodReliableStream, wire.MethodV6Native:
		return dialDirect(ctx, ep, connector.Stream, opts)
	case wire.MethodDatagram:
		return dialDirect(ctx, ep, connector.Datagram, opts)

	case wire.MethodReliableStreamPortMapped:
		return dialPortMapped(ctx, ep, "tcp", connector.Stream, opts)
	case wire.MethodDatagramPortMapped:
		return dialPortMapped(ctx, ep, "udp", connector.Datagram, opts)

	case wire.MethodStreamHolePunch:
		return streamHolePunch(ctx, ep, opts)
	case wire.MethodDatagramHolePunch, wire.MethodDatagramAdvancedPunch:
		return datagramHolePunch(ctx, peerID, ep, opts)
	case wire.MethodStreamSimultaneousOpen:
		return streamSimultaneousOpen(ctx, ep, opts)

	case wire.MethodRelayed, wire.MethodSignaledFallback:
		return relayedConnect(ctx, peerID, method, opts)

	case wire.MethodInteractiveCandidatePair:
		// Deliberately unsupported here: spec.md §1 places "WebRTC
		// data-channel bindings" outside the core's scope, and the offer/
		// answer/ICE-candidate exchange this method needs is exactly that
		// binding. xconn.NewWebRTC wraps an already-negotiated
		// *webrtc.PeerConnection/*webrtc.DataChannel pair; callers that want
		// this method negotiate it themselves (e.g. over the ice/offers/
		// answers signal namespace from spec.md §6) and hand the result to
		// xconn directly instead of going through Connect.
		return Result{}, fmt.Errorf("method %s requires caller-driven WebRTC negotiation, see xconn.NewWebRTC", method)

	default:
		return Result{}, fmt.Errorf("unknown transport method %q", method)
	}
}

func dialDirect(ctx context.Context, ep wire.Endpoint, proto connector.Protocol, opts Options) (Result, error) {
	conn, err := connector.Connect(ctx, ep.Address, ep.Port, proto, connector.Options{
		PreferV6: opts.PreferV6,
		Logger:   opts.Logger,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: conn, Method: ep.Method, Address: ep.Address, Port: ep.Port}, nil
}

func dialPortMapped(ctx context.Context, ep wire.Endpoint, ipProto string, proto connector.Protocol, opts Options) (Result, error) {
	client := portmap.NewClient(opts.Logger)
	m, err := client.RequestMapping(ctx, ipProto, ep.Port, time.Hour)
	if err != nil {
		return Result{}, fmt.Errorf("request port mapping: %w", err)
	}
	address := ep.Address
	if m.ExternalAddr != "" {
		address = m.ExternalAddr
	}
	conn, err := connector.Connect(ctx, address, m.ExternalPort, proto, connector.Options{
		PreferV6: opts.PreferV6,
		Logger:   opts.Logger,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: conn, Method: ep.Method, Address: address, Port: m.ExternalPort}, nil
}

func streamHolePunch(ctx context.Context, ep wire.Endpoint, opts Options) (Result, error) {
	conn, err := punch.StreamPunch(ctx, ep.Address, ep.Port, punch.Options{Logger: opts.Logger})
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: conn, Method: ep.Method, Address: ep.Address, Port: ep.Port}, nil
}

func streamSimultaneousOpen(ctx context.Context, ep wire.Endpoint, opts Options) (Result, error) {
	var ln net.Listener
	var err error
	for attempts := 0; ; attempts++ {
		ln, err = net.Listen("tcp", ":0")
		if err == nil {
			break
		}
		if missinggo.IsAddrInUse(err) && attempts < 3 {
			continue
		}
		return Result{}, fmt.Errorf("acquire local port for simultaneous open: %w", err)
	}
	localPort := int(missinggo.AddrPort(ln.Addr()))
	ln.Close()

	conn, err := punch.StreamSimultaneousOpen(ctx, localPort, ep.Address, ep.Port, punch.Options{Logger: opts.Logger})
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: conn, Method: ep.Method, Address: ep.Address, Port: ep.Port}, nil
}

// relayedConnect wraps the signaling channel itself as the connection,
// per spec.md §4.6's relayed/signaled-fallback framing: messages are
// published under "hosts/<id>/messages/<id>" keys (see xconn.NewRelayed)
// rather than sent over any socket.
func relayedConnect(ctx context.Context, peerID string, method wire.Method, opts Options) (Result, error) {
	if opts.Signal == nil {
		return Result{}, fmt.Errorf("method %s requires a signaling channel", method)
	}
	conn, err := xconn.NewRelayed(ctx, opts.Signal, opts.SelfID, peerID, opts.Logger)
	if err != nil {
		return Result{}, fmt.Errorf("open relayed connection: %w", err)
	}
	addr, port := conn.RemoteEndpoint()
	return Result{PreWrapped: conn, Method: method, Address: addr, Port: port}, nil
}

func datagramHolePunch(ctx context.Context, peerID string, ep wire.Endpoint, opts Options) (Result, error) {
	if opts.Signal == nil {
		return Result{}, fmt.Errorf("datagram hole punch requires a signaling channel")
	}
	punchID := fmt.Sprintf("%s->%s", opts.SelfID, peerID)
	conn, remote, err := punch.DatagramPunch(ctx, opts.Signal, opts.SelfID, peerID, punchID, ep.Address, ep.Port, punch.Options{Logger: opts.Logger})
	if err != nil {
		return Result{}, err
	}
	return Result{Conn: conn, Method: ep.Method, Address: remote.IP.String(), Port: remote.Port}, nil
}
