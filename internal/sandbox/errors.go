package sandbox

import (
	"fmt"
	"time"
)

// TimeoutError reports that a workload exceeded its wall-clock limit and
// was killed. The partially produced workspace state is left as-is.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// CrashError reports that the workload exited abnormally or finished
// without producing an output artifact.
type CrashError struct {
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	if e.ExitCode == 0 {
		return "workload exited without writing a result"
	}
	return fmt.Sprintf("workload exited with code %d", e.ExitCode)
}

// ProtocolError reports that the workload's output artifact was present
// but unreadable or malformed.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("output artifact %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("output artifact %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
