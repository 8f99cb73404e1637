// Package punch coordinates NAT hole-punching over an injected rendezvous
// Channel, for both datagram and reliable-stream address families, per
// spec.md §4.4. It reuses the manual-socket-lifecycle style of the
// teacher's socket.go (firewallPacketConn's bind-then-filter pattern),
// adapted from "filter unwanted inbound packets" to "wait only for the
// expected peer's punch datagrams".
package punch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/chunkswarm/chunkswarm/signal"
)

// Kind is the closed set of hole-punch message kinds from spec.md §4.4.
type Kind string

const (
	KindStartPunch Kind = "START_PUNCH"
	KindPunchReq   Kind = "PUNCH_REQ"
	KindPunchResp  Kind = "PUNCH_RESP"
	KindPunchAck   Kind = "PUNCH_ACK"
)

// Message is the hole-punch signaling schema of spec.md §4.4.
type Message struct {
	Kind      Kind   `json:"kind"`
	PunchID   string `json:"punch_id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Timestamp int64  `json:"timestamp"`
	Address   string `json:"address,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// Options configures a punch attempt.
type Options struct {
	PunchInterval time.Duration // default 200ms
	PunchTimeout  time.Duration // default 10s
	SignalTimeout time.Duration // default 5s
	Logger        log.Logger
}

func (o Options) withDefaults() Options {
	if o.PunchInterval <= 0 {
		o.PunchInterval = 200 * time.Millisecond
	}
	if o.PunchTimeout <= 0 {
		o.PunchTimeout = 10 * time.Second
	}
	if o.SignalTimeout <= 0 {
		o.SignalTimeout = 5 * time.Second
	}
	return o
}

func signalKey(peerID string) string { return fmt.Sprintf("hosts/%s/punch", peerID) }

// DatagramPunch implements spec.md §4.4's datagram punch: both peers agree
// on punchID, bind a local datagram socket, publish their observed public
// endpoint, and exchange PUNCH_REQ/PUNCH_RESP/PUNCH_ACK until the remote
// endpoint is locked in.
func DatagramPunch(ctx context.Context, ch signal.Channel, selfID, peerID, punchID, publicAddr string, publicPort int, opts Options) (*net.UDPConn, *net.UDPAddr, error) {
	opts = opts.withDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, nil, fmt.Errorf("bind punch socket: %w", err)
	}

	sub, cancel, err := ch.Subscribe(ctx, signalKey(selfID))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("subscribe to signal channel: %w", err)
	}
	defer cancel()

	announce := Message{Kind: KindStartPunch, PunchID: punchID, Sender: selfID, Receiver: peerID, Address: publicAddr, Port: publicPort}
	if err := publish(ctx, ch, peerID, announce); err != nil {
		conn.Close()
		return nil, nil, err
	}

	sigCtx, sigCancel := context.WithTimeout(ctx, opts.SignalTimeout)
	defer sigCancel()
	remoteAddr, remotePort, err := awaitPeerEndpoint(sigCtx, sub, punchID)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("signal timeout: %w", err)
	}

	remote := &net.UDPAddr{IP: net.ParseIP(remoteAddr), Port: remotePort}
	punchCtx, punchCancel := context.WithTimeout(ctx, opts.PunchTimeout)
	defer punchCancel()

	success := make(chan struct{})
	errCh := make(chan error, 1)
	go readPunchDatagrams(punchCtx, conn, selfID, peerID, punchID, success, errCh)

	ticker := time.NewTicker(opts.PunchInterval)
	defer ticker.Stop()
	req := Message{Kind: KindPunchReq, PunchID: punchID, Sender: selfID, Receiver: peerID}
	writeDatagram(conn, remote, req)
	for {
		select {
		case <-success:
			return conn, remote, nil
		case err := <-errCh:
			conn.Close()
			return nil, nil, err
		case <-ticker.C:
			writeDatagram(conn, remote, req)
		case <-punchCtx.Done():
			conn.Close()
			return nil, nil, fmt.Errorf("punch timeout exceeded")
		}
	}
}

func readPunchDatagrams(ctx context.Context, conn *net.UDPConn, selfID, peerID, punchID string, success chan<- struct{}, errCh chan<- error) {
	buf := make([]byte, 2048)
	gotResp := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var m Message
		if json.Unmarshal(buf[:n], &m) != nil || m.PunchID != punchID {
			continue
		}
		switch m.Kind {
		case KindPunchReq:
			resp := Message{Kind: KindPunchResp, PunchID: punchID, Sender: selfID, Receiver: peerID}
			writeDatagram(conn, remote, resp)
		case KindPunchResp:
			if !gotResp {
				gotResp = true
				ack := Message{Kind: KindPunchAck, PunchID: punchID, Sender: selfID, Receiver: peerID}
				writeDatagram(conn, remote, ack)
				close(success)
				return
			}
		case KindPunchAck:
			close(success)
			return
		}
	}
}

func writeDatagram(conn *net.UDPConn, addr *net.UDPAddr, m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	conn.WriteToUDP(b, addr)
}

func publish(ctx context.Context, ch signal.Channel, peerID string, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal punch message: %w", err)
	}
	return ch.Publish(ctx, signalKey(peerID), b)
}

func awaitPeerEndpoint(ctx context.Context, sub <-chan []byte, punchID string) (string, int, error) {
	for {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case raw := <-sub:
			var m Message
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			if m.Kind == KindStartPunch && m.PunchID == punchID {
				return m.Address, m.Port, nil
			}
		}
	}
}

// StreamPunch implements spec.md §4.4's stream punch: both peers dial
// (addr,port) simultaneously. Returns the connected socket.
func StreamPunch(ctx context.Context, addr string, port int, opts Options) (net.Conn, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.PunchTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("stream punch failed: %w", err)
	}
	return conn, nil
}

// StreamSimultaneousOpen implements the simultaneous-open variant: the
// local port is both dialed from and listened on; whichever socket
// establishes first wins, the other is discarded.
func StreamSimultaneousOpen(ctx context.Context, localPort int, remoteAddr string, remotePort int, opts Options) (net.Conn, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("listen for simultaneous open: %w", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 2)

	acceptCtx, acceptCancel := context.WithCancel(ctx)
	defer acceptCancel()
	go func() {
		c, err := ln.Accept()
		select {
		case results <- result{c, err}:
		case <-acceptCtx.Done():
			if c != nil {
				c.Close()
			}
		}
	}()

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, opts.PunchTimeout)
		defer cancel()
		d := net.Dialer{LocalAddr: &net.TCPAddr{Port: localPort}}
		c, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", remoteAddr, remotePort))
		select {
		case results <- result{c, err}:
		case <-acceptCtx.Done():
			if c != nil {
				c.Close()
			}
		}
	}()

	timeout := time.After(opts.PunchTimeout)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				ln.Close()
				return r.conn, nil
			}
		case <-timeout:
			ln.Close()
			return nil, fmt.Errorf("simultaneous open timed out")
		}
	}
	ln.Close()
	return nil, fmt.Errorf("simultaneous open: both attempts failed")
}
