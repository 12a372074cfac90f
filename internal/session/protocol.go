package session

import (
	"encoding/json"
	"strings"

	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
)

// Inbound message types.
const (
	TypeRunCode       = "run_code"
	TypeInputResponse = "input_response"
	TypeStopExecution = "stop_execution"
	TypePong          = "pong"
)

// Inbound is a client envelope. Only the fields of its type are set.
type Inbound struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Input    string `json:"input,omitempty"`
}

// Outbound is a server envelope.
type Outbound struct {
	Type      result.EventType `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Data      string           `json:"data,omitempty"`
	Message   string           `json:"message,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
}

// DecodeInbound parses a client envelope. Unknown types and invalid JSON are
// MalformedMessage errors.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, appErr.Wrapf(err, appErr.MalformedMessage, "decode envelope failed")
	}
	msg.Type = strings.TrimSpace(msg.Type)
	switch msg.Type {
	case TypeRunCode, TypeInputResponse, TypeStopExecution, TypePong:
		return msg, nil
	case "":
		return Inbound{}, appErr.New(appErr.MalformedMessage).WithMessage("missing message type")
	default:
		return Inbound{}, appErr.Newf(appErr.MalformedMessage, "unknown message type %q", msg.Type)
	}
}

// FromEvent converts an execution event into its envelope.
func FromEvent(ev result.Event) Outbound {
	out := Outbound{Type: ev.Type, Data: ev.Data, Message: ev.Message}
	if ev.Type == result.EventExecutionComplete {
		code := ev.ExitCode
		out.ExitCode = &code
	}
	return out
}

func connectionEstablished(id string) Outbound {
	return Outbound{Type: result.EventConnectionEstablished, SessionID: id}
}

func disconnect(msg string) Outbound {
	return Outbound{Type: result.EventDisconnect, Message: msg}
}

func errorMessage(msg string) Outbound {
	return Outbound{Type: result.EventError, Message: msg}
}

func ping() Outbound {
	return Outbound{Type: result.EventPing}
}
