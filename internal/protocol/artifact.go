// Package protocol defines the file-based IPC artifacts exchanged with the
// sandboxed workload. The host writes an input artifact (mounted read-only),
// the workload writes exactly one output artifact before exiting.
//
// The output uses a tagged-variant schema: a status discriminant selects
// between the success and error shapes. Unknown fields are ignored so the
// schema can grow without breaking older workers; an unknown or missing
// status is a protocol violation, never silently coerced.
package protocol

import (
	"encoding/json"
	"fmt"
	"os"
)

// Status values for the output artifact discriminant.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// HistoryTurn is one prior exchange included in the input artifact.
type HistoryTurn struct {
	Message  string `json:"message"`
	Response string `json:"response,omitempty"`
}

// Input is the task payload handed to the sandboxed workload.
type Input struct {
	Prompt       string            `json:"prompt"`
	UserID       string            `json:"user"`
	History      []HistoryTurn     `json:"history,omitempty"`
	ExtraContext map[string]string `json:"context,omitempty"`
	ModelHint    string            `json:"model_hint,omitempty"`
}

// Output is the structured result the workload writes before exiting.
//
// Status "ok" carries Response/ModelUsed/TokensUsed; status "error" carries
// Error. An error-status output is a well-formed, application-level failure —
// distinct from a missing or malformed artifact.
type Output struct {
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	ModelUsed  string `json:"model_used,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the workload declared success.
func (o *Output) OK() bool { return o.Status == StatusOK }

// WriteInput serializes the input artifact to path.
func WriteInput(path string, in *Input) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding input artifact: %w", err)
	}
	if err := os.WriteFile(path, raw, 0640); err != nil {
		return fmt.Errorf("writing input artifact: %w", err)
	}
	return nil
}

// DecodeOutput parses and validates an output artifact.
func DecodeOutput(raw []byte) (*Output, error) {
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding output artifact: %w", err)
	}
	switch out.Status {
	case StatusOK:
		return &out, nil
	case StatusError:
		if out.Error == "" {
			out.Error = "workload reported an unspecified error"
		}
		return &out, nil
	case "":
		return nil, fmt.Errorf("output artifact missing status discriminant")
	default:
		return nil, fmt.Errorf("output artifact has unknown status %q", out.Status)
	}
}
