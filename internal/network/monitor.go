package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"labremote/internal/protocol"
)

const DefaultHeartbeatInterval = 40 * time.Second

// InterfaceProbe reports whether the local network interface that owns ip
// is up. An error means the interface could not be resolved.
type InterfaceProbe func(ip net.IP) (bool, error)

// LivenessMonitor periodically checks one channel and closes it when the
// check fails. Plain stream sockets do not surface a half-open peer, so the
// probe bounds detection to one interval.
type LivenessMonitor struct {
	ch       *Channel
	interval time.Duration
	kind     string
	check    func() error
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewActiveMonitor probes by writing a SOCKET_TEST packet each interval.
// Used on the acceptor side.
func NewActiveMonitor(ch *Channel, interval time.Duration, logger *slog.Logger) *LivenessMonitor {
	m := newMonitor(ch, interval, "active", logger)
	m.check = func() error {
		if !ch.Write(protocol.NewSocketTest()) {
			return fmt.Errorf("%w: heartbeat write to %s failed", ErrLivenessFailure, ch.Identity())
		}
		return nil
	}
	return m
}

// NewPassiveMonitor checks each interval that the local interface carrying
// the channel is still up. Used on the initiator side. A nil probe uses
// LocalInterfaceUp.
func NewPassiveMonitor(ch *Channel, interval time.Duration, probe InterfaceProbe, logger *slog.Logger) *LivenessMonitor {
	if probe == nil {
		probe = LocalInterfaceUp
	}
	m := newMonitor(ch, interval, "passive", logger)
	m.check = func() error {
		ip := localIP(ch.LocalAddr())
		up, err := probe(ip)
		if err != nil {
			return fmt.Errorf("%w: resolve interface for %s: %w", ErrLivenessFailure, ip, err)
		}
		if !up {
			return fmt.Errorf("%w: interface for %s is down", ErrLivenessFailure, ip)
		}
		return nil
	}
	return m
}

func newMonitor(ch *Channel, interval time.Duration, kind string, logger *slog.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LivenessMonitor{
		ch:       ch,
		interval: interval,
		kind:     kind,
		logger:   logger.With("monitor", kind, "identity", ch.Identity(), "channel_id", ch.ID),
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor goroutine. Later calls are no-ops.
func (m *LivenessMonitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

// Stop signals the monitor and waits for it to exit. Safe to call more than
// once and before Start. It must not be called from an observer running on
// the monitor's own goroutine.
func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Err returns the failure that made the monitor close its channel, if any.
func (m *LivenessMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *LivenessMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.ch.Done():
			return
		case <-ticker.C:
			err := m.check()
			if err == nil {
				m.logger.Debug("liveness_ok")
				continue
			}
			if m.ch.closing() {
				// closed by someone else between ticks
				return
			}

			m.mu.Lock()
			m.err = err
			m.mu.Unlock()

			m.logger.Warn("liveness_failed",
				"error", err.Error(),
			)
			m.ch.Close()
			return
		}
	}
}

// LocalInterfaceUp finds the interface that carries ip and reports its
// FlagUp state.
func LocalInterfaceUp(ip net.IP) (bool, error) {
	if ip == nil {
		return false, errors.New("no local address")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return iface.Flags&net.FlagUp != 0, nil
			}
		}
	}
	return false, fmt.Errorf("no interface owns %s", ip)
}

func localIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	default:
		return net.ParseIP(hostOf(addr))
	}
}
