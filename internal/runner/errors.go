package runner

import (
	"fmt"
	"time"
)

// TimeoutError means the subprocess exceeded its execution deadline and
// was terminated.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("subprocess timed out after %s", e.Timeout)
}

// ResultError means the subprocess ran to completion but reported failure
// in its terminal result frame.
type ResultError struct {
	ResultText string
}

func (e *ResultError) Error() string {
	if e.ResultText == "" {
		return "subprocess reported an unsuccessful result"
	}
	return fmt.Sprintf("subprocess reported an unsuccessful result: %s", e.ResultText)
}

// NonZeroExitError means the container exited with a failure status.
// OutputTail carries the last part of the combined output for diagnosis.
type NonZeroExitError struct {
	ExitCode   int64
	OutputTail string
}

func (e *NonZeroExitError) Error() string {
	if e.OutputTail == "" {
		return fmt.Sprintf("subprocess exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("subprocess exited with code %d: %s", e.ExitCode, e.OutputTail)
}
