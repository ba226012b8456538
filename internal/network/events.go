package network

import (
	"log/slog"
	"reflect"
	"sync"

	"labremote/internal/protocol"
)

// Observer receives protocol events. Calls are made synchronously from a
// channel's reader or monitor goroutine, so implementations must return
// quickly: a slow observer stalls that channel.
type Observer interface {
	OnPacket(packet protocol.DataPacket, identity string)
	OnConnectionState(identity string, connected bool)
}

// ObserverFuncs adapts plain functions to Observer. Subscribe it by pointer
// so it can later be unsubscribed.
type ObserverFuncs struct {
	Packet          func(packet protocol.DataPacket, identity string)
	ConnectionState func(identity string, connected bool)
}

func (f *ObserverFuncs) OnPacket(packet protocol.DataPacket, identity string) {
	if f.Packet != nil {
		f.Packet(packet, identity)
	}
}

func (f *ObserverFuncs) OnConnectionState(identity string, connected bool) {
	if f.ConnectionState != nil {
		f.ConnectionState(identity, connected)
	}
}

// EventBus fans protocol events out to subscribed observers.
type EventBus struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger}
}

func (b *EventBus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Unsubscribe removes the first registration of o and reports whether one
// was found. Observers are matched by ==, so only pointer or other comparable
// observers can be removed; for anything else it reports false.
func (b *EventBus) Unsubscribe(o Observer) bool {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if existing == o {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (b *EventBus) PublishPacket(packet protocol.DataPacket, identity string) {
	for _, o := range b.snapshot() {
		b.deliver(identity, func() { o.OnPacket(packet, identity) })
	}
}

func (b *EventBus) PublishConnectionState(identity string, connected bool) {
	for _, o := range b.snapshot() {
		b.deliver(identity, func() { o.OnConnectionState(identity, connected) })
	}
}

// snapshot lets observers (un)subscribe from inside a callback.
func (b *EventBus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Observer(nil), b.observers...)
}

// deliver keeps a panicking observer from taking down the reader or monitor
// goroutine that is dispatching.
func (b *EventBus) deliver(identity string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer_panic",
				"identity", identity,
				"panic", r,
			)
		}
	}()
	call()
}
