package agent

import "errors"

// Outcome is how a run terminated.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeAborted         Outcome = "aborted"
	OutcomeMaxStepsReached Outcome = "maxStepsReached"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeFailed          Outcome = "failed"
)

// Fatal reports whether the outcome should fail the caller (non-zero exit).
func (o Outcome) Fatal() bool {
	return o == OutcomeAborted || o == OutcomeFailed
}

var (
	// ErrParse means no structured step could be extracted from model output.
	ErrParse = errors.New("unparseable model output")
	// ErrProtocolViolation means a step carried neither done:true nor actions.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrProviderUnavailable means the model could not be reached.
	ErrProviderUnavailable = errors.New("model provider unavailable")
	// ErrDuplicateRun is returned when a correlation id is already running.
	ErrDuplicateRun = errors.New("run already active")
)
