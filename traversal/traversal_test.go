package traversal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/registry"
	"github.com/chunkswarm/chunkswarm/signal"
	"github.com/chunkswarm/chunkswarm/wire"
)

func startEchoListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestConnectSucceedsOnFirstMethod(t *testing.T) {
	ln, port := startEchoListener(t)
	defer ln.Close()

	endpoints := []wire.Endpoint{
		{Address: "127.0.0.1", Port: port, Method: wire.MethodReliableStream},
	}
	res, err := Connect(context.Background(), "peerX", endpoints, Options{})
	require.NoError(t, err)
	assert.Equal(t, wire.MethodReliableStream, res.Method)
	res.Conn.Close()
}

func TestConnectFallsThroughToSecondMethod(t *testing.T) {
	ln, port := startEchoListener(t)
	defer ln.Close()

	endpoints := []wire.Endpoint{
		{Address: "127.0.0.1", Port: 1, Method: wire.MethodReliableStream}, // nothing listens on port 1: refused at once
		{Address: "127.0.0.1", Port: port, Method: wire.MethodDatagram},
	}
	opts := Options{MethodTimeout: time.Second}
	res, err := Connect(context.Background(), "peerY", endpoints, opts)
	require.NoError(t, err)
	assert.Equal(t, wire.MethodDatagram, res.Method)
	res.Conn.Close()
}

func TestConnectFailFastStopsAtFirstFailure(t *testing.T) {
	ln, port := startEchoListener(t)
	defer ln.Close()

	endpoints := []wire.Endpoint{
		{Address: "127.0.0.1", Port: 1, Method: wire.MethodReliableStream},
		{Address: "127.0.0.1", Port: port, Method: wire.MethodDatagram},
	}
	opts := Options{MethodTimeout: time.Second, FailFast: true}
	_, err := Connect(context.Background(), "peerZ", endpoints, opts)
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 1)
}

func TestConnectExhaustsAllMethods(t *testing.T) {
	endpoints := []wire.Endpoint{
		{Address: "127.0.0.1", Port: 1, Method: wire.MethodReliableStream},
	}
	opts := Options{MethodTimeout: 200 * time.Millisecond, OverallTimeout: time.Second}
	_, err := Connect(context.Background(), "peerGone", endpoints, opts)
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestConnectUsesRegistryHintFirst(t *testing.T) {
	lnStream, streamPort := startEchoListener(t)
	defer lnStream.Close()
	lnDatagram, datagramPort := startEchoListener(t)
	defer lnDatagram.Close()

	reg := registry.New()
	require.NoError(t, reg.Put("peerHinted", wire.MethodDatagram, "127.0.0.1", datagramPort))

	endpoints := []wire.Endpoint{
		{Address: "127.0.0.1", Port: streamPort, Method: wire.MethodReliableStream},
		{Address: "127.0.0.1", Port: datagramPort, Method: wire.MethodDatagram},
	}
	res, err := Connect(context.Background(), "peerHinted", endpoints, Options{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, wire.MethodDatagram, res.Method)
	res.Conn.Close()
}

func TestConnectNoEndpointsFails(t *testing.T) {
	_, err := Connect(context.Background(), "peerNone", nil, Options{})
	assert.Error(t, err)
}

func TestConnectRelayedUsesSignalChannelNotASocket(t *testing.T) {
	ch := signal.NewMemoryChannel()
	endpoints := []wire.Endpoint{
		{Address: "unused", Port: 0, Method: wire.MethodRelayed},
	}
	opts := Options{Signal: ch, SelfID: "client1"}
	res, err := Connect(context.Background(), "host1", endpoints, opts)
	require.NoError(t, err)
	assert.Equal(t, wire.MethodRelayed, res.Method)
	assert.Nil(t, res.Conn)
	require.NotNil(t, res.PreWrapped)
	defer res.PreWrapped.Close()

	sub, unsub := res.PreWrapped.Subscribe(wire.TypeMetadataResponse)
	defer unsub()
	require.NoError(t, ch.Publish(context.Background(), "hosts/host1/messages/client1",
		mustEncodeDatagram(t, wire.Message{Type: wire.TypeMetadataResponse, ClientID: "host1", Digest: "abc"})))
	select {
	case m := <-sub:
		assert.Equal(t, "abc", m.Digest)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

func mustEncodeDatagram(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.EncodeDatagram(m)
	require.NoError(t, err)
	return b
}
