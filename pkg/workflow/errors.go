package workflow

import (
	"fmt"
	"time"

	"github.com/durably-dev/durably/internal/store"
)

// NonDeterministicError is raised by the executor when a replay's step
// call sequence disagrees with the recorded history. It's an ordinary
// retriable failure from the Store's point of view, but callers and
// operators need to distinguish it from a transient error — hence the
// stable Name.
type NonDeterministicError struct {
	Recorded string
	Current  string
}

func (e *NonDeterministicError) Error() string {
	return fmt.Sprintf("Step order mismatch: expected step %q but got %q", e.Recorded, e.Current)
}

// Name is the stable discriminator serialized into the error JSON so
// operators and tests can tell this apart from an ordinary failure.
func (e *NonDeterministicError) Name() string { return "NonDeterministicError" }

// SleepSignal is raised by Step.Sleep and caught by the processor. It's
// a control-flow signal, not a user-visible error: the processor turns
// it into a sleeping transition and MUST NOT persist it to the error
// column.
type SleepSignal struct {
	ResumeAt time.Time
}

func (s *SleepSignal) Error() string { return fmt.Sprintf("sleep until %s", s.ResumeAt) }

func (s *SleepSignal) Name() string { return "SleepSignal" }

// CanceledError is returned by Handle.Result() when the run ends up
// canceled.
type CanceledError struct {
	WorkflowName string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("Workflow %s was canceled", e.WorkflowName)
}

// RunFailedError is returned by Handle.Result() when the run ends up
// failed; Message mirrors the terminal error JSON's "message" field,
// and Err carries the full JSON for callers that want more than the
// message.
type RunFailedError struct {
	Message string
	Err     store.JSON
}

func (e *RunFailedError) Error() string { return e.Message }

// serializeError converts an arbitrary panic/error value into the
// fixed {name?, message, stack?} shape persisted to the error column.
// Unknown thrown values become {message: String(value)}.
func serializeError(v any) store.JSON {
	switch e := v.(type) {
	case *NonDeterministicError:
		return store.JSON{"name": e.Name(), "message": e.Error()}
	case interface {
		Name() string
		Error() string
	}:
		return store.JSON{"name": e.Name(), "message": e.Error()}
	case error:
		return store.JSON{"message": e.Error()}
	case string:
		return store.JSON{"message": e}
	default:
		return store.JSON{"message": fmt.Sprintf("%v", e)}
	}
}
