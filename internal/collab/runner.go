// Package collab provides Planner, Generator and Verifier implementations
// backed by external commands. A request is written to the command's stdin
// as JSON and the response is read from its stdout.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/msageha/storyforge/internal/logging"
)

// Defaults for the collaborators config section.
const (
	DefaultTimeout   = 5 * time.Minute
	DefaultRateLimit = 1.0
	DefaultBurst     = 2
)

const (
	maxStderrTail = 2000
	waitDelay     = 2 * time.Second
)

// Command describes one external collaborator.
type Command struct {
	// Argv is the program and its arguments; no shell is involved.
	Argv    []string      `koanf:"argv" yaml:"argv"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	// Raw marks a verifier whose exit status is the verdict and whose
	// output is the diagnostic, such as a plain test runner.
	Raw bool `koanf:"raw" yaml:"raw"`
}

func (c Command) Configured() bool { return len(c.Argv) > 0 && c.Argv[0] != "" }

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Kind   string
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s command exited with status %d", e.Kind, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// TimeoutError is returned when a command outlives its timeout and is
// killed.
type TimeoutError struct {
	Kind  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s command timed out after %s", e.Kind, e.After)
}

// Runner executes collaborator commands under a shared rate limit.
type Runner struct {
	dir     string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewRunner creates a runner executing commands in dir. A non-positive
// perSecond disables the limit.
func NewRunner(dir string, perSecond float64, burst int, logger *logging.Logger) *Runner {
	if burst <= 0 {
		burst = DefaultBurst
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{dir: dir, limiter: rate.NewLimiter(limit, burst), logger: logger}
}

// Exec runs cmd with stdin and returns its stdout. A non-zero exit is an
// *ExitError carrying both streams; a command killed at its timeout is a
// *TimeoutError.
func (r *Runner) Exec(ctx context.Context, kind string, cmd Command, stdin []byte) ([]byte, error) {
	if !cmd.Configured() {
		return nil, fmt.Errorf("%s command is not configured", kind)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = r.dir
	c.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	// Children that inherit the pipes must not keep Run waiting after a kill.
	c.WaitDelay = waitDelay

	start := time.Now()
	err := c.Run()
	r.logger.Debug(ctx, "collaborator command finished",
		zap.String("kind", kind),
		zap.String("program", cmd.Argv[0]),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return nil, fmt.Errorf("%s command interrupted: %w", kind, perr)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Kind: kind, After: timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{
				Kind:   kind,
				Code:   exitErr.ExitCode(),
				Stdout: stdout.String(),
				Stderr: tail(stderr.String(), maxStderrTail),
			}
		}
		return nil, fmt.Errorf("failed to run %s command: %w", kind, err)
	}
	return stdout.Bytes(), nil
}

// Call sends req as JSON and decodes the JSON response into resp.
func (r *Runner) Call(ctx context.Context, kind string, cmd Command, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", kind, err)
	}
	out, err := r.Exec(ctx, kind, cmd, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", kind, err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
