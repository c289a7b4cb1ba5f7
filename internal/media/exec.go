package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner invokes an external tool. Implementations must honor ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ToolError is a failed tool invocation with the tail of its stderr.
type ToolError struct {
	Tool   string
	Code   int
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExecRunner runs tools as subprocesses with a per-invocation timeout.
type ExecRunner struct {
	Timeout   time.Duration
	MaxStderr int
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if name == "" {
		return errors.New("command is required")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{limit: r.MaxStderr}
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ToolError{Tool: name, Code: code, Stderr: strings.TrimSpace(stderr.String()), Err: err}
}

// tailBuffer keeps the last limit bytes written; ffmpeg prints the
// useful part of an error at the end.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if t.limit <= 0 {
		return t.buf.Write(p)
	}
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
