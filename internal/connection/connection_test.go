package connection

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands back one end of an in-memory net.Pipe, simulating a
// successful handshake without a real network round trip.
type pipeDialer struct {
	conn net.Conn
}

func (d pipeDialer) Dial(ctx context.Context, url string) (net.Conn, *bufio.Reader, ws.Handshake, error) {
	return d.conn, bufio.NewReader(d.conn), ws.Handshake{}, nil
}

func TestConnectionSendAndReceive(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	received := make(chan []byte, 1)
	c := New(Config{URL: "ws://example.invalid", Dialer: pipeDialer{conn: clientSide}}, func(data []byte) {
		received <- data
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())

	// Server -> client frame should surface via onMessage.
	go wsutil.WriteServerMessage(serverSide, ws.OpText, []byte(`["hello"]`))

	select {
	case data := <-received:
		require.Equal(t, `["hello"]`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// Client -> server frame via Send.
	clientFrame := make(chan []byte, 1)
	go func() {
		data, _, err := wsutil.ReadClientData(serverSide)
		if err == nil {
			clientFrame <- data
		}
	}()

	require.NoError(t, c.Send([]byte(`["bye"]`)))

	select {
	case data := <-clientFrame:
		require.Equal(t, `["bye"]`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to observe send")
	}

	require.NoError(t, c.Disconnect())
	require.Equal(t, StateDisconnected, c.State())
}

func TestWithVersionParamsFillsDefaults(t *testing.T) {
	got := withVersionParams("wss://host/api/v1/ws")
	require.Contains(t, got, "controlLayerVersion=1")
	require.Contains(t, got, "messageLayerVersion=31")
	require.Contains(t, got, "streamrClient=")

	// Caller-supplied values win over the defaults.
	got = withVersionParams("wss://host/api/v1/ws?messageLayerVersion=30")
	require.Contains(t, got, "messageLayerVersion=30")
	require.NotContains(t, got, "messageLayerVersion=31")
	require.Contains(t, got, "controlLayerVersion=1")
}

func TestConnectionSendBeforeConnectFails(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := New(Config{URL: "ws://example.invalid", Dialer: pipeDialer{conn: clientSide}}, nil)
	err := c.Send([]byte("x"))
	require.Error(t, err)
}

func TestConnectionEmitsLifecycleEvents(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := New(Config{URL: "ws://example.invalid", Dialer: pipeDialer{conn: clientSide}}, nil)

	var kinds []EventKind
	done := make(chan struct{}, 1)
	c.Events().On(func(e Event) {
		kinds = append(kinds, e.Kind)
		if e.Kind == EventConnected {
			done <- struct{}{}
		}
	})

	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EventConnected")
	}

	require.Contains(t, kinds, EventConnecting)
	require.Contains(t, kinds, EventConnected)
}

// TestConnectWaitsForDisconnected: a Connect that races an in-flight
// Disconnect must wait for Disconnected, then dial. It drives the race
// directly on internal state (same-package white-box test) since net.Pipe's
// Close is too fast to land a real goroutine race deterministically.
func TestConnectWaitsForDisconnected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := New(Config{URL: "ws://example.invalid", Dialer: pipeDialer{conn: clientSide}}, nil)

	c.mu.Lock()
	c.state = StateDisconnecting
	c.mu.Unlock()

	connectDone := make(chan error, 1)
	go func() { connectDone <- c.Connect(context.Background()) }()

	select {
	case <-connectDone:
		t.Fatal("Connect returned while still Disconnecting; it must wait for Disconnected")
	case <-time.After(100 * time.Millisecond):
	}

	c.setState(StateDisconnected)

	select {
	case err := <-connectDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never woke up after reaching Disconnected")
	}
	require.Equal(t, StateConnected, c.State())
}

// TestDisconnectWaitsForConnected: a Disconnect that races an in-flight
// Connect must wait for Connected before tearing down.
func TestDisconnectWaitsForConnected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()
	// Drain the server side so Disconnect's close frame write does not block
	// on the synchronous pipe.
	go io.Copy(io.Discard, serverSide)

	c := New(Config{URL: "ws://example.invalid", Dialer: pipeDialer{conn: clientSide}}, nil)

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	disconnectDone := make(chan error, 1)
	go func() { disconnectDone <- c.Disconnect() }()

	select {
	case <-disconnectDone:
		t.Fatal("Disconnect returned while still Connecting; it must wait for Connected")
	case <-time.After(100 * time.Millisecond):
	}

	c.mu.Lock()
	c.conn = clientSide
	c.stopCh = make(chan struct{})
	c.mu.Unlock()
	c.setState(StateConnected)

	select {
	case err := <-disconnectDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect never woke up after reaching Connected")
	}
	require.Equal(t, StateDisconnected, c.State())
}
