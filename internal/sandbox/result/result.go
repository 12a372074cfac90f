// Package result defines execution outcomes and the events streamed to clients.
package result

import "time"

// Reason records why an execution stopped. The zero value means the program
// exited on its own.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUserStop       Reason = "user_stop"
	ReasonTimeout        Reason = "timeout"
	ReasonOutputLimit    Reason = "output_limit"
	ReasonIterationLimit Reason = "iteration_limit"
	ReasonError          Reason = "error"
)

// IsLimit reports whether the reason is a resource limit that still counts as
// a successful completion.
func (r Reason) IsLimit() bool {
	return r == ReasonTimeout || r == ReasonOutputLimit || r == ReasonIterationLimit
}

// State is the terminal state of a supervised process.
type State string

const (
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateOutputLimited    State = "output_limited"
	StateIterationLimited State = "iteration_limited"
	StateUserStopped      State = "user_stopped"
	StateRuntimeError     State = "runtime_error"
)

// Outcome is the final report of one supervised process.
type Outcome struct {
	State       State
	Reason      Reason
	ExitCode    int
	Message     string
	Duration    time.Duration
	OutputLines int
}

// StateFor maps a stop reason and exit code to a terminal state.
func StateFor(reason Reason, exitCode int) State {
	switch reason {
	case ReasonUserStop:
		return StateUserStopped
	case ReasonTimeout:
		return StateTimedOut
	case ReasonOutputLimit:
		return StateOutputLimited
	case ReasonIterationLimit:
		return StateIterationLimited
	case ReasonError:
		return StateRuntimeError
	}
	if exitCode != 0 {
		return StateRuntimeError
	}
	return StateCompleted
}

// EventType is the wire name of an outbound event.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventOutput                EventType = "output"
	EventErrorOutput           EventType = "error_output"
	EventInputRequest          EventType = "input_request"
	EventWarning               EventType = "warning"
	EventSuccess               EventType = "success"
	EventCompilationError      EventType = "compilation_error"
	EventRuntimeError          EventType = "runtime_error"
	EventExecutionComplete     EventType = "execution_complete"
	EventDisconnect            EventType = "disconnect"
	EventPing                  EventType = "ping"
	EventError                 EventType = "error"
)

// Event is one message destined for the client of an execution.
type Event struct {
	Type     EventType
	Data     string
	Message  string
	ExitCode int
}

// Sink receives events in the order they are produced.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }
