package queue

import "fmt"

// OutcomeKind tells the dispatcher what to do with a finished attempt.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeSuccess completes the dispatch.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeSkipped completes the dispatch without work, e.g. on redelivery.
	OutcomeSkipped
	// OutcomeRetryable re-dispatches after backoff while retries remain.
	OutcomeRetryable
	// OutcomeFatal fails the dispatch immediately.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what a Handler returns for one attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Succeeded reports a completed attempt.
func Succeeded() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Skipped reports an attempt that had nothing to do.
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

// Retryable reports a transient failure.
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err, Reason: errString(err)} }

// Fatal reports a failure that retrying cannot fix.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err, Reason: errString(err)} }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
