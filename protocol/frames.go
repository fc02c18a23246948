// Package protocol defines the binary frames exchanged over a document
// websocket: one leading kind byte, payload bytes after it.
package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// FrameKind is the leading byte of a wire frame.
type FrameKind byte

const (
	// KindSyncStep1 carries the sender's state vector as JSON. The
	// receiver answers with a SyncStep2 diff.
	KindSyncStep1 FrameKind = 0x01
	// KindSyncStep2 carries the update bytes that complete a sync
	// handshake.
	KindSyncStep2 FrameKind = 0x02
	// KindUpdate carries incremental update bytes for fan-out.
	KindUpdate FrameKind = 0x03
	// KindAwarenessUpdate carries a JSON presence record.
	KindAwarenessUpdate FrameKind = 0x04
	// KindAuth carries an opaque token during the handshake.
	KindAuth FrameKind = 0x05
	// KindDeleted tells clients the document was deleted. Terminal.
	KindDeleted FrameKind = 0x06
	// KindGoingAway tells clients the server is shutting down. Terminal.
	KindGoingAway FrameKind = 0x07
)

// Application close codes in the websocket private range.
const (
	CloseProtocolError        = 4000
	CloseHandshakeTimeout     = 4001
	ClosePongTimeout          = 4002
	CloseBackpressureExceeded = 4003
)

// ErrEmptyFrame is returned when decoding a zero-length message.
var ErrEmptyFrame = errors.New("protocol: empty frame")

// ErrUnknownKind is returned when the kind byte is outside the table.
type ErrUnknownKind struct {
	Kind byte
}

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("protocol: unknown frame kind 0x%02x", e.Kind)
}

// Frame is a decoded wire frame. Payload aliases the decoded message
// buffer; callers that retain it beyond the read must copy.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Encode prepends the kind byte to the payload. A nil payload encodes to
// a single byte.
func Encode(kind FrameKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// Decode splits a message into kind and payload.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	kind := FrameKind(data[0])
	if kind < KindSyncStep1 || kind > KindGoingAway {
		return Frame{}, ErrUnknownKind{Kind: data[0]}
	}
	return Frame{Kind: kind, Payload: data[1:]}, nil
}

// String returns the frame kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step1"
	case KindSyncStep2:
		return "sync-step2"
	case KindUpdate:
		return "update"
	case KindAwarenessUpdate:
		return "awareness"
	case KindAuth:
		return "auth"
	case KindDeleted:
		return "deleted"
	case KindGoingAway:
		return "going-away"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}
