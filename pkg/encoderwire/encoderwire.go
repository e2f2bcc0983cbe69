// Package encoderwire defines the frame protocol spoken between the fetcharr
// dispatcher and remote encoder agents.
//
// Every message is a single JSON object carried over a persistent WebSocket.
// Frames arrive in order on one connection; receivers must ignore unknown
// fields so the two sides can evolve independently. A reconnecting agent
// always re-introduces itself with HELLO.
//
// This package is part of the public API and can be imported by third-party
// agents:
//
//	import "github.com/jmylchreest/fetcharr/pkg/encoderwire"
//
//	hello := encoderwire.NewHello("encoder-garage-1", encoderwire.HelloPayload{
//	    Name:          "garage gpu box",
//	    MaxConcurrent: 2,
//	    Capabilities:  encoderwire.Capabilities{Codecs: []string{"h264", "hevc"}},
//	})
//	websocket.JSON.Send(conn, hello)
package encoderwire

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the frames of the protocol.
type FrameType string

// Frames sent by the encoder agent.
const (
	FrameHello     FrameType = "HELLO"
	FrameAccept    FrameType = "ACCEPT"
	FrameReject    FrameType = "REJECT"
	FrameProgress  FrameType = "PROGRESS"
	FrameCompleted FrameType = "COMPLETED"
	FrameFailed    FrameType = "FAILED"
	FrameHeartbeat FrameType = "HEARTBEAT"
)

// Frames sent by the dispatcher.
const (
	FrameOffer  FrameType = "OFFER"
	FrameCancel FrameType = "CANCEL"
	FramePing   FrameType = "PING"
)

// String implements fmt.Stringer.
func (t FrameType) String() string {
	return string(t)
}

// Valid reports whether the frame type is part of the protocol.
func (t FrameType) Valid() bool {
	switch t {
	case FrameHello, FrameAccept, FrameReject, FrameProgress, FrameCompleted,
		FrameFailed, FrameHeartbeat, FrameOffer, FrameCancel, FramePing:
		return true
	}
	return false
}

// Frame is the envelope every message travels in. EncoderID identifies the
// agent on HELLO and offer responses; JobID scopes job frames. Payload holds
// the type-specific body and stays raw until the receiver knows the type.
type Frame struct {
	Type      FrameType       `json:"type"`
	EncoderID string          `json:"encoderId,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the frame payload into v. A frame without a
// payload leaves v untouched.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return nil
}

// Well-known rejection reasons. Rejections carrying one of these describe a
// capacity problem on the worker side, not a problem with the job: the
// dispatcher must not count them against the job's attempts.
const (
	ReasonAtCapacity   = "encoder at capacity"
	ReasonNoEncoder    = "no available encoder"
	ReasonDisconnected = "encoder disconnected"
)

// IsCapacityReason reports whether a rejection reason describes worker
// capacity rather than a job fault.
func IsCapacityReason(reason string) bool {
	switch reason {
	case ReasonAtCapacity, ReasonNoEncoder, ReasonDisconnected:
		return true
	}
	return false
}
