package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// envelopeVersion is the only request version ExecWorker speaks.
const envelopeVersion = 1

// ExecRequest is the envelope written to an external worker process on stdin.
type ExecRequest struct {
	Protocol   int            `json:"protocol"`
	WorkID     string         `json:"work_id"`
	Type       string         `json:"type"`
	Input      any            `json:"input,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// ExecResponse is the envelope read back from the process's stdout.
type ExecResponse struct {
	Status string     `json:"status"` // ok | error
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line reported by the external process.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// EncodeRequest writes req as a single JSON line to w.
func EncodeRequest(w io.Writer, req *ExecRequest) error {
	if req.Protocol != envelopeVersion {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads all of r and parses it as an ExecResponse. The raw bytes
// are returned even on failure so callers can log what the process printed.
func DecodeResponse(r io.Reader) (*ExecResponse, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("worker produced no output on stdout")
	}

	var resp ExecResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("worker output is not valid JSON: %w", err)
	}

	if resp.Status == "" {
		return nil, data, fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return nil, data, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, data, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, data, nil
}
