package sandbox

import (
	"fmt"
	"os"

	"github.com/wachira/msaidizi/internal/protocol"
)

// writeInputArtifact serializes the task input to the host-side path that
// gets mounted into the sandbox.
func writeInputArtifact(path string, in *protocol.Input) error {
	if err := protocol.WriteInput(path, in); err != nil {
		return fmt.Errorf("preparing input artifact: %w", err)
	}
	return nil
}

// readOutputArtifact loads and validates the workload's result file. A
// workload that exits without writing its result crashed, whatever its exit
// code says; an artifact that exists but does not decode is a protocol
// violation.
func readOutputArtifact(path, stderr string) (*protocol.Output, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CrashError{Stderr: stderr}
		}
		return nil, &ProtocolError{Reason: "unreadable", Cause: err}
	}
	out, err := protocol.DecodeOutput(raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed", Cause: err}
	}
	return out, nil
}
