package motion

import (
	"fmt"

	"github.com/viam-modules/ximc/status"
)

// TransportError wraps a failure reported by the Transport. It is never retried here.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the transport's error.
func (e *TransportError) Unwrap() error { return e.Err }

// Cause returns the transport's error.
func (e *TransportError) Cause() error { return e.Err }

// CommandFaultedError reports a motion command that finished with its error bit set.
type CommandFaultedError struct {
	Command status.CommandID
}

func (e *CommandFaultedError) Error() string {
	return fmt.Sprintf("%s command finished with an error", e.Command)
}

// AlarmActiveError reports that the controller has latched an alarm. Only stop clears it.
type AlarmActiveError struct {
	Flags status.Flags
}

func (e *AlarmActiveError) Error() string {
	return fmt.Sprintf("controller alarm is active (%s); issue stop to clear it", e.Flags)
}
