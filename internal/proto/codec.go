package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is one wire frame: a fixed header plus a CBOR payload. Seq is
// the command sequence for TagCommand, the acknowledged sequence for
// TagCommandAck, the rejected sequence for TagCommandReject, and zero
// otherwise.
type Frame struct {
	Epoch uint32
	Seq   uint64
	Msg   Message
}

// Header layout: tag(1) epoch(4) seq(8) paylen(4), big endian.
const headerSize = 1 + 4 + 8 + 4

var (
	// ErrTruncated reports a frame shorter than its header or declared
	// payload length. Connection-fatal.
	ErrTruncated = errors.New("proto: truncated frame")
	// ErrMalformed reports a frame whose declared length disagrees with
	// its actual length or whose payload fails to decode. Connection-fatal.
	ErrMalformed = errors.New("proto: malformed frame")
	// ErrUnknownTag reports an unrecognized message tag. Callers log and
	// drop the frame; newer servers may emit tags this client predates.
	ErrUnknownTag = errors.New("proto: unknown tag")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Deterministic encoding: identical logical messages must produce
	// identical bytes so resend dedup and golden tests can compare frames.
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: encode mode: %v", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("proto: decode mode: %v", err))
	}
	encMode = em
	decMode = dm
}

// Encode renders a frame to bytes. Pure; safe from any goroutine.
func Encode(f Frame) ([]byte, error) {
	if f.Msg == nil {
		return nil, fmt.Errorf("proto: encode: nil message")
	}
	payload, err := encMode.Marshal(f.Msg)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s: %w", f.Msg.tag(), err)
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(f.Msg.tag())
	binary.BigEndian.PutUint32(buf[1:5], f.Epoch)
	binary.BigEndian.PutUint64(buf[5:13], f.Seq)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Decode parses one frame. The declared payload length is validated
// against the actual byte count before the payload is interpreted, so
// malformed input yields an error, never a panic. Pure; safe from any
// goroutine.
func Decode(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) < headerSize {
		return f, fmt.Errorf("%w: %d bytes, need %d header bytes", ErrTruncated, len(buf), headerSize)
	}
	tag := Tag(buf[0])
	f.Epoch = binary.BigEndian.Uint32(buf[1:5])
	f.Seq = binary.BigEndian.Uint64(buf[5:13])
	declared := int(binary.BigEndian.Uint32(buf[13:17]))
	actual := len(buf) - headerSize
	if actual < declared {
		return f, fmt.Errorf("%w: payload %d bytes, declared %d", ErrTruncated, actual, declared)
	}
	if actual > declared {
		return f, fmt.Errorf("%w: payload %d bytes, declared %d", ErrMalformed, actual, declared)
	}
	msg, err := decodePayload(tag, buf[headerSize:])
	if err != nil {
		return f, err
	}
	f.Msg = msg
	return f, nil
}

func decodePayload(tag Tag, payload []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch tag {
	case TagSessionHello:
		var m SessionHello
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagSessionResync:
		var m SessionResync
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagEntityAppeared:
		var m EntityAppeared
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagEntityUpdated:
		var m EntityUpdated
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagEntityRemoved:
		var m EntityRemoved
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagCommandAck:
		var m CommandAck
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagCommandReject:
		var m CommandReject
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagHeartbeat:
		var m Heartbeat
		err = decMode.Unmarshal(payload, &m)
		msg = m
	case TagCommand:
		var m Command
		err = decMode.Unmarshal(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, tag, err)
	}
	return msg, nil
}
