package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"labremote/internal/endpoint"
	"labremote/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler counts log messages so tests can observe retry loops.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

type packetEvent struct {
	packet   protocol.DataPacket
	identity string
}

type stateEvent struct {
	identity  string
	connected bool
}

// collector is a thread-safe Observer that records every event.
type collector struct {
	mu      sync.Mutex
	packets []packetEvent
	states  []stateEvent
}

func (c *collector) OnPacket(p protocol.DataPacket, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, packetEvent{packet: p, identity: identity})
}

func (c *collector) OnConnectionState(identity string, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, stateEvent{identity: identity, connected: connected})
}

func (c *collector) Packets() []packetEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packetEvent(nil), c.packets...)
}

func (c *collector) States() []stateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stateEvent(nil), c.states...)
}

func (c *collector) countStates(connected bool) int {
	n := 0
	for _, s := range c.States() {
		if s.connected == connected {
			n++
		}
	}
	return n
}

// freePortInRange finds a loopback port that an Endpoint accepts.
func freePortInRange(t *testing.T) int {
	t.Helper()
	for i := 0; i < 200; i++ {
		port := 20000 + rand.IntN(20000)
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		l.Close()
		return port
	}
	t.Fatal("no free port in endpoint range")
	return 0
}

func listenOn(t *testing.T, port int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	return l
}

func loopbackEndpoint(t *testing.T, port int) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New("127.0.0.1", port)
	require.NoError(t, err)
	return ep
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// deafConn reads nothing until closed and fails every write, like a peer
// whose host vanished without sending FIN.
type deafConn struct {
	closed    chan struct{}
	closeOnce sync.Once
	remote    net.Addr
}

func newDeafConn(remoteIP string) *deafConn {
	return &deafConn{
		closed: make(chan struct{}),
		remote: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: 40000},
	}
}

func (c *deafConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *deafConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func (c *deafConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *deafConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort} }
func (c *deafConn) RemoteAddr() net.Addr             { return c.remote }
func (c *deafConn) SetDeadline(time.Time) error      { return nil }
func (c *deafConn) SetReadDeadline(time.Time) error  { return nil }
func (c *deafConn) SetWriteDeadline(time.Time) error { return nil }

// chanListener hands out pre-built connections.
type chanListener struct {
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort} }
