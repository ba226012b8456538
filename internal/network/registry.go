package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"labremote/internal/protocol"
)

// DefaultPort is where the coordinator listens for workstations.
const DefaultPort = 2600

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger            *slog.Logger
	HeartbeatInterval time.Duration

	// WriteTimeout bounds every write to a workstation, heartbeats included.
	// It defaults to the heartbeat interval, so a peer that stops reading is
	// dropped within one interval of its buffers filling.
	WriteTimeout time.Duration

	// AcceptRate throttles the accept loop. Zero means unlimited.
	AcceptRate  rate.Limit
	AcceptBurst int

	// Identify derives the registry key of an inbound connection. It defaults
	// to the remote IP address.
	Identify func(conn net.Conn) string
}

type session struct {
	ch      *Channel
	monitor *LivenessMonitor
}

// Registry accepts inbound connections and keeps at most one live channel
// per remote address.
type Registry struct {
	bus          *EventBus
	logger       *slog.Logger
	interval     time.Duration
	writeTimeout time.Duration
	limiter      *rate.Limiter
	identify func(conn net.Conn) string

	mu       sync.RWMutex
	sessions map[string]*session
	// key: identity, value: the one live session for that identity

	wg sync.WaitGroup
}

func NewRegistry(bus *EventBus, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identify := opts.Identify
	if identify == nil {
		identify = func(conn net.Conn) string { return hostOf(conn.RemoteAddr()) }
	}

	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = interval
	}

	r := &Registry{
		bus:          bus,
		logger:       logger,
		interval:     interval,
		writeTimeout: writeTimeout,
		identify:     identify,
		sessions:     make(map[string]*session),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(opts.AcceptRate, burst)
	}
	return r
}

// Serve runs the accept loop on l until ctx is cancelled or l is closed.
// It closes l on return. Per-connection failures never end the loop.
func (r *Registry) Serve(ctx context.Context, l net.Listener) error {
	r.logger.Info("registry_listening",
		"addr", l.Addr().String(),
	)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer func() {
		stop()
		l.Close()
	}()

	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}

		ch, err := Accept(l, Options{Logger: r.logger, WriteTimeout: r.writeTimeout})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Error("accept_failed",
				"error", err.Error(),
			)
			continue
		}

		r.admit(ch)
	}
}

// ListenAndServe listens on addr and calls Serve.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return r.Serve(ctx, l)
}

func (r *Registry) admit(ch *Channel) {
	key := r.identify(ch.conn)
	if key == "" {
		r.logger.Warn("client_rejected_no_identity",
			"remote_addr", addrString(ch.RemoteAddr()),
		)
		ch.Close()
		return
	}

	r.mu.Lock()
	if _, exists := r.sessions[key]; exists {
		r.mu.Unlock()
		r.logger.Warn("client_rejected_duplicate",
			"identity", key,
			"remote_addr", addrString(ch.RemoteAddr()),
		)
		ch.Close()
		return
	}

	s := &session{
		ch:      ch,
		monitor: NewActiveMonitor(ch, r.interval, r.logger),
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.logger.Info("client_added",
		"identity", key,
		"channel_id", ch.ID,
	)

	r.wg.Add(1)
	go r.run(key, s)
}

// run is the reader goroutine of one session. It owns the session's
// disconnect notification so that exactly one is sent, whichever side
// noticed the failure first.
func (r *Registry) run(key string, s *session) {
	defer r.wg.Done()

	r.bus.PublishConnectionState(key, true)
	s.monitor.Start()

	for {
		packet, ok := s.ch.Read()
		if !ok {
			break
		}
		r.bus.PublishPacket(packet, key)
	}

	s.monitor.Stop()
	s.ch.Close()
	r.remove(key, s)

	r.logger.Info("client_removed",
		"identity", key,
		"channel_id", s.ch.ID,
		"liveness_error", errString(s.monitor.Err()),
	)
	r.bus.PublishConnectionState(key, false)
}

// remove deletes key only while it still maps to s.
func (r *Registry) remove(key string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[key]; ok && current == s {
		delete(r.sessions, key)
	}
}

// SendTo writes p to the channel registered under identity. Unknown
// identities are logged and reported as false.
func (r *Registry) SendTo(identity string, p protocol.DataPacket) bool {
	ch, ok := r.Lookup(identity)
	if !ok {
		r.logger.Warn("send_to_unknown_peer",
			"identity", identity,
			"packet_type", p.Tag.String(),
			"error", ErrUnknownPeer.Error(),
		)
		return false
	}
	return ch.Write(p)
}

// StartApplication asks the workstation at identity to start req.
func (r *Registry) StartApplication(identity string, req protocol.ExecutionRequest) error {
	req.State = protocol.StateStarted
	return r.sendRequest(identity, req)
}

// StopApplication asks the workstation at identity to stop req.
func (r *Registry) StopApplication(identity string, req protocol.ExecutionRequest) error {
	req.State = protocol.StateStopped
	return r.sendRequest(identity, req)
}

// SendMessage delivers free text to the workstation at identity.
func (r *Registry) SendMessage(identity, text string) error {
	return r.send(identity, protocol.NewMessage(text))
}

func (r *Registry) sendRequest(identity string, req protocol.ExecutionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return r.send(identity, protocol.NewExecRequest(req))
}

func (r *Registry) send(identity string, p protocol.DataPacket) error {
	ch, ok := r.Lookup(identity)
	if !ok {
		r.logger.Warn("send_to_unknown_peer",
			"identity", identity,
			"packet_type", p.Tag.String(),
		)
		return fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}
	if !ch.Write(p) {
		return fmt.Errorf("failed to write %s to %s", p.Tag, identity)
	}
	return nil
}

func (r *Registry) Lookup(identity string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	if !ok {
		return nil, false
	}
	return s.ch, true
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes every registered channel and waits for their goroutines,
// including the disconnect notifications they emit.
func (r *Registry) Close() error {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.ch.Close())
	}
	r.wg.Wait()
	return err
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
