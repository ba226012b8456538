package network

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"labremote/internal/endpoint"
	"labremote/internal/protocol"
)

const DefaultRetryInterval = 5 * time.Second

// PollUntilConnected dials ep until it succeeds, waiting interval between
// attempts. There is no backoff and no attempt limit: a workstation keeps
// trying until the coordinator is reachable. Only ctx ends the loop early.
func PollUntilConnected(ctx context.Context, ep endpoint.Endpoint, interval time.Duration, opts Options) (*Channel, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	logger := opts.logger()

	// one token per interval paces the attempts; the first is immediate
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for attempt := 1; ; attempt++ {
		if err := waitTurn(ctx, limiter); err != nil {
			return nil, err
		}

		ch, err := Connect(ctx, ep, opts)
		if err == nil {
			logger.Info("server_connected",
				"server", ep.String(),
				"attempts", attempt,
			)
			return ch, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("server_connect_failed",
			"server", ep.String(),
			"attempt", attempt,
			"error", err.Error(),
		)
	}
}

// waitTurn sleeps until limiter grants the next attempt. Unlike
// limiter.Wait it does not give up early when the ctx deadline falls before
// the next token; only ctx ending stops it.
func waitTurn(ctx context.Context, limiter *rate.Limiter) error {
	r := limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Logger            *slog.Logger
	RetryInterval     time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	InterfaceProbe    InterfaceProbe

	// WriteTimeout bounds every write to the coordinator. It defaults to the
	// heartbeat interval.
	WriteTimeout time.Duration

	// HostName names this workstation in the HOST_INFO packet sent after
	// every successful connect. Defaults to os.Hostname.
	HostName func() (string, error)
}

// Supervisor keeps one outbound channel to the coordinator alive, for the
// whole life of the process.
type Supervisor struct {
	endpoint endpoint.Endpoint
	bus      *EventBus
	opts     SupervisorOptions
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Channel
}

func NewSupervisor(ep endpoint.Endpoint, bus *EventBus, opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HostName == nil {
		opts.HostName = os.Hostname
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = opts.HeartbeatInterval
		if opts.WriteTimeout <= 0 {
			opts.WriteTimeout = DefaultHeartbeatInterval
		}
	}
	return &Supervisor{
		endpoint: ep,
		bus:      bus,
		opts:     opts,
		logger:   opts.Logger.With("server", ep.String()),
	}
}

// Run connects, reads until the channel closes, and reconnects, forever.
// It returns ctx.Err() once ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	channelOpts := Options{
		Logger:       s.opts.Logger,
		DialTimeout:  s.opts.DialTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	identity := s.endpoint.Address()

	for {
		ch, err := PollUntilConnected(ctx, s.endpoint, s.opts.RetryInterval, channelOpts)
		if err != nil {
			return err
		}

		s.setCurrent(ch)
		s.announce(ch)

		monitor := NewPassiveMonitor(ch, s.opts.HeartbeatInterval, s.opts.InterfaceProbe, s.opts.Logger)
		stopOnCancel := context.AfterFunc(ctx, func() { ch.Close() })

		s.bus.PublishConnectionState(identity, true)
		monitor.Start()

		for {
			packet, ok := ch.Read()
			if !ok {
				break
			}
			s.bus.PublishPacket(packet, identity)
		}

		stopOnCancel()
		monitor.Stop()
		ch.Close()
		s.setCurrent(nil)

		s.logger.Info("server_disconnected",
			"channel_id", ch.ID,
			"liveness_error", errString(monitor.Err()),
		)
		s.bus.PublishConnectionState(identity, false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Send writes p to the coordinator. It reports false while disconnected.
func (s *Supervisor) Send(p protocol.DataPacket) bool {
	s.mu.RLock()
	ch := s.current
	s.mu.RUnlock()

	if ch == nil {
		s.logger.Debug("send_while_disconnected",
			"packet_type", p.Tag.String(),
		)
		return false
	}
	return ch.Write(p)
}

// Connected reports whether a live channel is currently held.
func (s *Supervisor) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// ReportState tells the coordinator about a local application state change.
func (s *Supervisor) ReportState(state protocol.AppState) bool {
	return s.Send(protocol.NewStateChange(state))
}

func (s *Supervisor) setCurrent(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ch
}

func (s *Supervisor) announce(ch *Channel) {
	name, err := s.opts.HostName()
	if err != nil || name == "" {
		s.logger.Warn("host_name_unavailable",
			"error", errString(err),
		)
		return
	}
	if !ch.Write(protocol.NewHostInfo(name)) {
		s.logger.Warn("host_info_not_sent",
			"host_name", name,
		)
	}
}
