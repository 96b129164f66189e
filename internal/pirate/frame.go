// Package pirate implements reliable request/reply job distribution over
// stream sockets: a broker that routes client requests to the least
// recently used idle worker, heartbeat-monitored worker links that
// reconnect with exponential backoff, and a client link that resends a
// request on a fresh connection when no reply arrives in time.
package pirate

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies the frame category
type Kind uint8

const (
	// KindReady announces a worker is available for work
	KindReady Kind = 1
	// KindHeartbeat is a liveness ping in either direction
	KindHeartbeat Kind = 2
	// KindRequest carries a client request, prefixed with the client's return address on the worker side
	KindRequest Kind = 3
	// KindReply carries a worker's reply back to the client
	KindReply Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "READY"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Frame is the envelope for every message on a link
type Frame struct {
	Kind Kind `msgpack:"k"`

	// Identity is the worker's routing identity, sent with READY
	Identity string `msgpack:"i,omitempty"`

	// Client is the return address of the requesting client
	Client string `msgpack:"c,omitempty"`

	// Sequence matches replies to requests on one client link
	Sequence uint64 `msgpack:"s,omitempty"`

	Payload []byte `msgpack:"p,omitempty"`
}

// Control reports whether f is a READY or HEARTBEAT frame
func (f *Frame) Control() bool {
	return f.Kind == KindReady || f.Kind == KindHeartbeat
}

// Valid reports whether f is well formed: control frames carry no payload
func (f *Frame) Valid() bool {
	switch f.Kind {
	case KindReady, KindHeartbeat:
		return len(f.Payload) == 0
	case KindRequest, KindReply:
		return true
	default:
		return false
	}
}

// EncodeFrame serializes a frame as MessagePack
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a MessagePack frame
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
