package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a worker process.
	maxStderrBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// ExecConfig describes an external worker process.
type ExecConfig struct {
	ID           string
	Command      string
	Args         []string
	Env          map[string]string
	Dir          string
	Capabilities []string
	Config       map[string]any
	GracePeriod  time.Duration
}

// ExecWorker runs one process per work item. The item is written to stdin as an
// ExecRequest and the process answers with one ExecResponse on stdout.
type ExecWorker struct {
	cfg    ExecConfig
	logger *slog.Logger
}

func NewExecWorker(cfg ExecConfig) (*ExecWorker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("exec worker id is empty")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("exec worker %q: command is empty", cfg.ID)
	}
	if len(cfg.Capabilities) == 0 {
		return nil, fmt.Errorf("exec worker %q: no capabilities declared", cfg.ID)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &ExecWorker{cfg: cfg, logger: log.WithWorker(cfg.ID).With("kind", "exec")}, nil
}

func (e *ExecWorker) ID() string             { return e.cfg.ID }
func (e *ExecWorker) Capabilities() []string { return e.cfg.Capabilities }

// Init checks that the command can be resolved.
func (e *ExecWorker) Init(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		return fmt.Errorf("exec worker %q: %w", e.cfg.ID, err)
	}
	return nil
}

// Execute spawns the process and waits for its response or for ctx to end.
// On cancellation the process gets SIGTERM, then SIGKILL after the grace period.
func (e *ExecWorker) Execute(ctx context.Context, item *queue.WorkItem) (any, error) {
	req := &ExecRequest{
		Protocol: envelopeVersion,
		WorkID:   item.ID,
		Type:     item.Type,
		Input:    item.Input,
		Params:   item.Params,
		Config:   e.cfg.Config,
	}
	if dl, ok := ctx.Deadline(); ok {
		req.DeadlineAt = dl.UTC()
	}

	logger := e.logger.With("work_id", item.ID)
	resp, stderr, err := e.spawn(ctx, req, logger)
	if stderr != "" {
		logger.Debug("worker stderr", "stderr", stderr)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range resp.Logs {
		logger.Info("worker log", "level", entry.Level, "message", entry.Message)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("worker process reported error: %s", resp.Error)
	}
	return resp.Output, nil
}

func (e *ExecWorker) spawn(ctx context.Context, req *ExecRequest, logger *slog.Logger) (*ExecResponse, string, error) {
	// Not CommandContext: termination is managed here so we can send SIGTERM first.
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range e.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning worker process", "command", e.cfg.Command)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("worker process cancelled, sending SIGTERM")
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(e.cfg.GracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("worker process exited after SIGTERM")
		case <-grace.C:
			logger.Warn("worker process did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}
		return nil, truncate(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncate(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("worker process exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := DecodeResponse(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode worker response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

func truncate(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
