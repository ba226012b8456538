package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds the tag plus payload of a single frame.
const MaxFrameSize = 1024 * 1024

const headerSize = 4

var (
	// ErrEndOfStream means the peer closed the stream on a frame boundary, or
	// the underlying connection is gone.
	ErrEndOfStream = errors.New("end of stream")

	// ErrCorruptStream means a frame could not be parsed. The stream cannot
	// be resynchronised after it.
	ErrCorruptStream = errors.New("corrupt stream")

	// ErrUnknownType means a well-formed frame carried a tag outside the
	// known set. The frame has been consumed; the stream remains usable.
	ErrUnknownType = errors.New("unknown packet type")

	// ErrWriteFailed means the frame was serialized but the stream rejected
	// it, possibly after part of it was sent.
	ErrWriteFailed = errors.New("write failed")
)

// Core Deterministic Encoding: same packet, same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes p into one self-delimiting frame:
//
//	[4 bytes] big-endian length of what follows (tag + payload)
//	[1 byte]  tag
//	[N bytes] CBOR payload, absent when Payload is nil
func Encode(p DataPacket) ([]byte, error) {
	if !p.Tag.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Tag)
	}

	var body []byte
	if p.Payload != nil {
		var err error
		body, err = encMode.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", p.Tag, err)
		}
	}

	length := 1 + len(body)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds %d", p.Tag, length, MaxFrameSize)
	}

	frame := make([]byte, headerSize+length)
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(length))
	frame[headerSize] = byte(p.Tag)
	copy(frame[headerSize+1:], body)
	return frame, nil
}

// Decoder reads successive frames from a stream. It is not safe for
// concurrent use; a Channel only ever reads from its reader goroutine.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode blocks until a full frame is available. The error, if any, wraps one
// of ErrEndOfStream, ErrCorruptStream or ErrUnknownType.
func (d *Decoder) Decode() (DataPacket, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return DataPacket{}, classifyReadError(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return DataPacket{}, fmt.Errorf("%w: frame length %d", ErrCorruptStream, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			// header promised bytes that never came
			err = io.ErrUnexpectedEOF
		}
		return DataPacket{}, classifyReadError(err)
	}

	tag := PacketTag(frame[0])
	if !tag.Valid() {
		return DataPacket{}, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}

	payload, err := decodePayload(tag, frame[1:])
	if err != nil {
		return DataPacket{}, fmt.Errorf("%w: %s payload: %v", ErrCorruptStream, tag, err)
	}
	return DataPacket{Tag: tag, Payload: payload}, nil
}

// Decode parses exactly one frame from data.
func Decode(data []byte) (DataPacket, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

func decodePayload(tag PacketTag, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	switch tag {
	case TagAppExecRequest:
		var req ExecutionRequest
		err := decMode.Unmarshal(body, &req)
		return req, err
	case TagAppStateChange:
		var state AppState
		err := decMode.Unmarshal(body, &state)
		return state, err
	case TagHostInfo:
		var info HostInfo
		err := decMode.Unmarshal(body, &info)
		return info, err
	case TagMessage:
		var text string
		err := decMode.Unmarshal(body, &text)
		return text, err
	default:
		var v any
		err := decMode.Unmarshal(body, &v)
		return v, err
	}
}

func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated frame", ErrCorruptStream)
	default:
		return fmt.Errorf("%w: %w", ErrEndOfStream, err)
	}
}

// Encoder writes frames to a buffered stream, flushing after each packet.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(p DataPacket) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("%w: frame: %w", ErrWriteFailed, err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrWriteFailed, err)
	}
	return nil
}
