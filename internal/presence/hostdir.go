package presence

import (
	"sync"

	"labremote/internal/protocol"
)

// HostDirectory remembers what each connected workstation reported: the host
// name it announced and the last application state it acknowledged. Entries
// are dropped on disconnect.
type HostDirectory struct {
	mu     sync.RWMutex
	names  map[string]string
	states map[string]protocol.AppState
}

func NewHostDirectory() *HostDirectory {
	return &HostDirectory{
		names:  make(map[string]string),
		states: make(map[string]protocol.AppState),
	}
}

func (d *HostDirectory) OnPacket(p protocol.DataPacket, address string) {
	switch p.Tag {
	case protocol.TagHostInfo:
		if info, ok := p.Payload.(protocol.HostInfo); ok {
			d.mu.Lock()
			d.names[address] = info.HostName
			d.mu.Unlock()
		}
	case protocol.TagAppStateChange:
		if state, ok := p.Payload.(protocol.AppState); ok {
			d.mu.Lock()
			d.states[address] = state
			d.mu.Unlock()
		}
	}
}

func (d *HostDirectory) OnConnectionState(address string, connected bool) {
	if connected {
		return
	}
	d.mu.Lock()
	delete(d.names, address)
	delete(d.states, address)
	d.mu.Unlock()
}

// HostName returns the announced name for address, or "" if none arrived.
func (d *HostDirectory) HostName(address string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[address]
}

// AppState returns the last application state address reported.
func (d *HostDirectory) AppState(address string) (protocol.AppState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state, ok := d.states[address]
	return state, ok
}
