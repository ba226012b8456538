package protocol

import "fmt"

// PacketTag identifies the payload carried by a DataPacket. The set is
// closed: any other value on the wire is rejected with ErrUnknownType.
type PacketTag uint8

const (
	TagAppExecRequest PacketTag = iota + 1
	TagAppStateChange
	TagHostInfo
	TagMessage
	TagSocketTest
)

var tagNames = map[PacketTag]string{
	TagAppExecRequest: "APP_EXEC_REQUEST",
	TagAppStateChange: "APP_STATE_CHANGE",
	TagHostInfo:       "HOST_INFO",
	TagMessage:        "MESSAGE",
	TagSocketTest:     "SOCKET_TEST",
}

// Valid reports whether t is one of the known tags.
func (t PacketTag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

func (t PacketTag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// DataPacket is the wire envelope. The concrete type of Payload depends on
// Tag and is not checked by the codec:
//
//	TagAppExecRequest  ExecutionRequest
//	TagAppStateChange  AppState
//	TagHostInfo        HostInfo
//	TagMessage         string
//	TagSocketTest      nil
//
// Payloads are carried by value; decoding never produces pointers.
type DataPacket struct {
	Tag     PacketTag
	Payload any
}

// NewExecRequest wraps an execution request.
func NewExecRequest(req ExecutionRequest) DataPacket {
	return DataPacket{Tag: TagAppExecRequest, Payload: req}
}

// NewStateChange wraps an application state report.
func NewStateChange(state AppState) DataPacket {
	return DataPacket{Tag: TagAppStateChange, Payload: state}
}

// NewHostInfo wraps the sender's host name.
func NewHostInfo(hostName string) DataPacket {
	return DataPacket{Tag: TagHostInfo, Payload: HostInfo{HostName: hostName}}
}

// NewMessage wraps free text for display on the receiving side.
func NewMessage(text string) DataPacket {
	return DataPacket{Tag: TagMessage, Payload: text}
}

// NewSocketTest returns the heartbeat probe packet.
func NewSocketTest() DataPacket {
	return DataPacket{Tag: TagSocketTest}
}
