// Package signal defines the abstract rendezvous channel used for NAT
// traversal signaling and the relayed transport's request/response
// envelope (spec.md §1 treats "the distributed signaling substrate" as an
// external collaborator — an abstract key-value publish/subscribe channel
// used only for NAT traversal rendezvous and as a fallback transport). A
// single websocket-backed reference implementation is provided for tests
// and standalone use, the way the teacher provides one concrete socket
// implementation (socket.go) behind an interface.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is a hierarchical key-value publish/subscribe service. Keys are
// slash-separated paths such as "hosts/<id>/messages/<msgID>" (spec.md
// §6). Publishing under a key delivers the value to every subscriber of
// that exact key that was registered before the publish.
type Channel interface {
	Publish(ctx context.Context, key string, value []byte) error
	Subscribe(ctx context.Context, key string) (<-chan []byte, func(), error)
}

// MemoryChannel is an in-process Channel, primarily for tests: it needs no
// network and lets punch/traversal tests run deterministically.
type MemoryChannel struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewMemoryChannel returns a ready in-process Channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string][]chan []byte)}
}

func (m *MemoryChannel) Publish(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	chans := append([]chan []byte(nil), m.subs[key]...)
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- value:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context, key string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	m.subs[key] = append(m.subs[key], ch)
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[key]
		for i, c := range list {
			if c == ch {
				m.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}

// WebsocketChannel implements Channel on top of a single websocket
// connection to a rendezvous server: every message is a JSON envelope
// {key, value}; Publish sends one, Subscribe filters incoming messages by
// key. This is the one concrete implementation provided for completeness;
// spec.md does not mandate it (§1: "no particular implementation is
// mandated").
type WebsocketChannel struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string][]chan []byte

	writeMu sync.Mutex
}

type envelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// NewWebsocketChannel wraps an already-dialed websocket connection and
// starts its read loop.
func NewWebsocketChannel(conn *websocket.Conn) *WebsocketChannel {
	c := &WebsocketChannel{conn: conn, subs: make(map[string][]chan []byte)}
	go c.readLoop()
	return c
}

func (c *WebsocketChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.mu.Lock()
		chans := append([]chan []byte(nil), c.subs[env.Key]...)
		c.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- env.Value:
			default:
			}
		}
	}
}

func (c *WebsocketChannel) Publish(ctx context.Context, key string, value []byte) error {
	b, err := json.Marshal(envelope{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("marshal signal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WebsocketChannel) Subscribe(ctx context.Context, key string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], ch)
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[key]
		for i, existing := range list {
			if existing == ch {
				c.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}
