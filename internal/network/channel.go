package network

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"labremote/internal/endpoint"
	"labremote/internal/protocol"
)

const DefaultDialTimeout = 10 * time.Second

// State is a Channel's position in its lifecycle. Transitions only move
// forward; nothing leaves StateClosed.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Options configures a Channel.
type Options struct {
	Logger      *slog.Logger
	DialTimeout time.Duration

	// WriteTimeout bounds each Write. Zero means writes may block until the
	// peer drains its receive buffer.
	WriteTimeout time.Duration
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Channel owns one stream connection. Only the reader goroutine may call
// Read; Write is safe from any goroutine; Close is safe from anywhere, any
// number of times.
type Channel struct {
	ID           string // session id, for log correlation only
	identity     string
	conn         net.Conn
	logger       *slog.Logger
	state        atomic.Int32
	writeTimeout time.Duration

	// input side, touched only by the reader goroutine
	dec *protocol.Decoder

	writeMu     sync.Mutex
	enc         *protocol.Encoder
	writeFailed bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newChannel(opts Options) *Channel {
	id := uuid.NewString()
	return &Channel{
		ID:           id,
		logger:       opts.logger().With("channel_id", id),
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
}

// Connect opens an outbound connection to ep. Failures are *ConnectError.
func Connect(ctx context.Context, ep endpoint.Endpoint, opts Options) (*Channel, error) {
	c := newChannel(opts)
	c.setState(StateConnecting)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		// never connected, nothing to release
		c.setState(StateClosed)
		close(c.done)
		return nil, newConnectError(ep.String(), err)
	}

	c.attach(conn)
	c.logger.Info("channel_connected",
		"remote_addr", conn.RemoteAddr().String(),
	)
	return c, nil
}

// Accept waits for the next inbound connection on l and wraps it.
func Accept(l net.Listener, opts Options) (*Channel, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	return Wrap(conn, opts), nil
}

// Wrap takes ownership of an already established connection.
func Wrap(conn net.Conn, opts Options) *Channel {
	c := newChannel(opts)
	c.setState(StateConnecting)
	c.attach(conn)
	return c
}

func (c *Channel) attach(conn net.Conn) {
	c.conn = conn
	c.identity = hostOf(conn.RemoteAddr())
	c.logger = c.logger.With("identity", c.identity)
	c.setState(StateConnected)
}

// Read blocks for the next packet. It returns false once the stream has
// ended, is corrupt, or the channel is closed, and closes the channel in the
// first two cases. Frames with an unknown tag are logged and skipped.
func (c *Channel) Read() (protocol.DataPacket, bool) {
	for {
		if c.closing() {
			return protocol.DataPacket{}, false
		}

		if c.dec == nil {
			c.dec = protocol.NewDecoder(c.conn)
		}

		packet, err := c.dec.Decode()
		if err == nil {
			return packet, true
		}

		if errors.Is(err, protocol.ErrUnknownType) {
			c.logger.Warn("unknown_packet_skipped",
				"error", err.Error(),
			)
			continue
		}

		switch {
		case c.closing():
			// torn down locally, the read error is just the echo of Close
		case errors.Is(err, protocol.ErrCorruptStream):
			c.logger.Warn("channel_stream_corrupt",
				"error", err.Error(),
			)
		default:
			c.logger.Info("channel_end_of_stream",
				"error", err.Error(),
			)
		}
		c.Close()
		return protocol.DataPacket{}, false
	}
}

// Write serializes and flushes p. It reports false on any failure, including
// when the channel is already closed or the write timeout expires. After a
// failed write every later Write fails too, since a partial frame may already
// be on the wire.
func (c *Channel) Write(p protocol.DataPacket) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closing() || c.writeFailed {
		return false
	}

	if c.enc == nil {
		c.enc = protocol.NewEncoder(c.conn)
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.logger.Warn("channel_write_deadline_failed",
				"error", err.Error(),
			)
			return false
		}
	}

	if err := c.enc.Encode(p); err != nil {
		if errors.Is(err, protocol.ErrWriteFailed) {
			c.writeFailed = true
		}
		if !c.closing() {
			c.logger.Warn("channel_write_failed",
				"packet_type", p.Tag.String(),
				"timeout", isTimeout(err),
				"error", err.Error(),
			)
		}
		return false
	}
	return true
}

// Close releases the connection exactly once. A Read blocked in the kernel
// returns once the connection is torn down.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
		c.setState(StateClosed)
		close(c.done)
		c.logger.Info("channel_closed")
	})
	return c.closeErr
}

// Done is closed when the channel reaches StateClosed.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) State() State { return State(c.state.Load()) }

// Identity is the remote IP address, the key used by the registry.
func (c *Channel) Identity() string { return c.identity }

func (c *Channel) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *Channel) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

func (c *Channel) closing() bool { return c.State() >= StateClosing }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// hostOf strips the port from a network address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
