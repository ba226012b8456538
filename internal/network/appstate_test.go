package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labremote/internal/protocol"
)

func TestAppTracker_AcknowledgesRequestsAndRepeatsAfterReconnect(t *testing.T) {
	port := freePortInRange(t)
	stub := newCoordinatorStub(t, port)

	bus := NewEventBus(quietLogger())
	sup := NewSupervisor(loopbackEndpoint(t, port), bus, SupervisorOptions{
		Logger:            quietLogger(),
		RetryInterval:     50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HostName:          func() (string, error) { return "lab-ws-07", nil },
	})
	tracker := NewAppTracker(sup, quietLogger())
	bus.Subscribe(tracker)
	startSupervisor(t, sup)

	first := stub.next(t)
	dec := protocol.NewDecoder(first)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TagHostInfo, got.Tag)

	req := protocol.ExecutionRequest{Name: "ztree", Path: "/opt/ztree/zleaf", State: protocol.StateStarted}
	require.NoError(t, protocol.NewEncoder(first).Encode(protocol.NewExecRequest(req)))

	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.NewStateChange(protocol.StateStarted), got)

	name, state := tracker.Current()
	assert.Equal(t, "ztree", name)
	assert.Equal(t, protocol.StateStarted, state)

	// the coordinator restarts; the running application is announced again
	first.Close()
	second := stub.next(t)
	dec = protocol.NewDecoder(second)

	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.NewHostInfo("lab-ws-07"), got)
	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.NewStateChange(protocol.StateStarted), got)

	req.State = protocol.StateStopped
	require.NoError(t, protocol.NewEncoder(second).Encode(protocol.NewExecRequest(req)))
	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.NewStateChange(protocol.StateStopped), got)

	// a stopped application is not repeated after the next reconnect
	second.Close()
	third := stub.next(t)
	dec = protocol.NewDecoder(third)
	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.TagHostInfo, got.Tag)

	third.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err = dec.Decode()
	assert.Error(t, err)
}

func TestAppTracker_NoReplyWhileDisconnected(t *testing.T) {
	sup := NewSupervisor(loopbackEndpoint(t, freePortInRange(t)), NewEventBus(quietLogger()), SupervisorOptions{
		Logger: quietLogger(),
	})
	tracker := NewAppTracker(sup, quietLogger())

	req := protocol.ExecutionRequest{Name: "ztree", Path: "/opt/ztree", State: protocol.StateStarted}
	tracker.OnPacket(protocol.NewExecRequest(req), "127.0.0.1")
	tracker.OnPacket(protocol.NewMessage("ignored"), "127.0.0.1")

	_, state := tracker.Current()
	assert.Equal(t, protocol.StateStarted, state)
}

func TestRegistryAndAppTracker_StateReachesCoordinator(t *testing.T) {
	port := freePortInRange(t)

	serverBus := NewEventBus(quietLogger())
	serverEvents := &collector{}
	serverBus.Subscribe(serverEvents)
	registry := NewRegistry(serverBus, RegistryOptions{
		Logger:            quietLogger(),
		HeartbeatInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Serve(ctx, listenOn(t, port))
	defer registry.Close()

	clientBus := NewEventBus(quietLogger())
	sup := NewSupervisor(loopbackEndpoint(t, port), clientBus, SupervisorOptions{
		Logger:            quietLogger(),
		RetryInterval:     50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HostName:          func() (string, error) { return "lab-ws-01", nil },
	})
	clientBus.Subscribe(NewAppTracker(sup, quietLogger()))
	startSupervisor(t, sup)

	require.Eventually(t, func() bool { return registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, registry.StartApplication("127.0.0.1",
		protocol.ExecutionRequest{Name: "ztree", Path: "/opt/ztree/zleaf"}))

	stateChange := func() bool {
		for _, p := range serverEvents.Packets() {
			if p.packet.Tag == protocol.TagAppStateChange {
				return true
			}
		}
		return false
	}
	require.Eventually(t, stateChange, 2*time.Second, 10*time.Millisecond)

	for _, p := range serverEvents.Packets() {
		if p.packet.Tag == protocol.TagAppStateChange {
			assert.Equal(t, protocol.StateStarted, p.packet.Payload)
			assert.Equal(t, "127.0.0.1", p.identity)
		}
	}
}
