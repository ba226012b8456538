package network

import (
	"log/slog"
	"sync"

	"labremote/internal/protocol"
)

// AppTracker keeps the coordinator's view of a workstation's application
// current. It answers every execution request with the state it asked for
// and, after a reconnect, repeats Started while the application is running.
// Subscribe it to the supervisor's bus.
type AppTracker struct {
	sup    *Supervisor
	logger *slog.Logger

	mu    sync.Mutex
	name  string
	state protocol.AppState
}

func NewAppTracker(sup *Supervisor, logger *slog.Logger) *AppTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppTracker{sup: sup, logger: logger, state: protocol.StateUnknown}
}

func (t *AppTracker) OnPacket(p protocol.DataPacket, _ string) {
	if p.Tag != protocol.TagAppExecRequest {
		return
	}
	req, ok := p.Payload.(protocol.ExecutionRequest)
	if !ok {
		return
	}

	t.mu.Lock()
	t.name = req.Name
	t.state = req.State
	t.mu.Unlock()

	t.report(req.Name, req.State)
}

func (t *AppTracker) OnConnectionState(_ string, connected bool) {
	if !connected {
		return
	}
	name, state := t.Current()
	if state == protocol.StateStarted {
		t.report(name, state)
	}
}

// Current returns the application last requested and its state.
func (t *AppTracker) Current() (string, protocol.AppState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name, t.state
}

func (t *AppTracker) report(name string, state protocol.AppState) {
	if !t.sup.ReportState(state) {
		t.logger.Warn("app_state_not_reported",
			"name", name,
			"state", state.String(),
		)
		return
	}
	t.logger.Info("app_state_reported",
		"name", name,
		"state", state.String(),
	)
}
