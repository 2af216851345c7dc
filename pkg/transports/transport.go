// Package transports defines the caller-facing boundary of a call: control
// messages, PCM audio and close codes.
package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Close codes sent to the caller.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
	CloseUnknownUser   = 4001
)

// Control message types.
const (
	TypeReadyForStreaming = "ready_for_streaming"
	TypeAudioStarted      = "audio_started"
	TypeAudioDone         = "audio_done"
	TypeAudioCleanup      = "audio_cleanup"

	TypeStopAudio      = "stop_audio"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeError          = "error"
)

// Control is a JSON control message in either direction.
type Control struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ParseControl decodes an inbound text message. Unknown types are an error
// so the caller can log and drop them.
func ParseControl(raw []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	c.Type = strings.TrimSpace(c.Type)
	switch c.Type {
	case TypeReadyForStreaming, TypeAudioStarted, TypeAudioDone, TypeAudioCleanup:
		return c, nil
	case "":
		return Control{}, fmt.Errorf("decode control: missing type")
	default:
		return Control{}, fmt.Errorf("decode control: unknown type %q", c.Type)
	}
}

// Conn is one caller connection as a call session sees it. Implementations
// must be safe for concurrent use; Close is idempotent.
type Conn interface {
	SendControl(msg Control) error
	SendAudio(chunk []byte) error
	Close(code int, reason string) error
}

// Handler receives inbound traffic for one connection. Calls for one
// connection are made sequentially from its read loop.
type Handler interface {
	HandleControl(msg Control)
	HandleAudio(pcm []byte)
	// Disconnected is called once when the read loop ends for any reason.
	Disconnected(err error)
}

// Accepter builds the handler for a new connection. Returning an error with
// a close code rejects the call after the upgrade.
type Accepter interface {
	Accept(ctx context.Context, req CallRequest, conn Conn) (Handler, error)
}

// CallRequest carries the route parameters of an incoming call.
type CallRequest struct {
	Username string
	Variant  string
	RemoteIP string
}

// RejectError carries the close code used when a call is refused.
type RejectError struct {
	Code   int
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected (%d): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Transport is a listening server.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata such as the
// listen address. Used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
