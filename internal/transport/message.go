// Package transport carries the pull protocol between the coordinator and
// remote workers over a stream connection. Each message is a msgpack body
// behind a 4-byte big-endian length prefix.
package transport

import (
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// Kind tags a message with its logical channel.
type Kind uint8

const (
	// KindHello is the coordinator's greeting; it assigns the worker id.
	KindHello Kind = iota + 1
	// KindPayloadRequest: worker is free.
	KindPayloadRequest
	// KindPayloadData carries a tile or the ROUND_DONE sentinel.
	KindPayloadData
	// KindResponseRequest: worker has a result ready.
	KindResponseRequest
	// KindResponseData carries the result.
	KindResponseData
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPayloadRequest:
		return "payload-request"
	case KindPayloadData:
		return "payload-data"
	case KindResponseRequest:
		return "response-request"
	case KindResponseData:
		return "response-data"
	default:
		return "unknown"
	}
}

// Message is one frame on the wire. Request kinds carry only WorkerID.
type Message struct {
	Kind        Kind             `json:"kind"`
	WorkerID    int              `json:"worker_id"`
	WorkerCount int              `json:"worker_count,omitempty"`
	Job         *protocol.Job    `json:"job,omitempty"`
	Result      *protocol.Result `json:"result,omitempty"`
}
