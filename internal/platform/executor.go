package platform

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/g960059/simslot/internal/config"
)

type RunResult struct {
	Output   string
	Duration time.Duration
	Attempts int
}

// Command is one invocation of a platform helper binary.
type Command struct {
	Argv  []string
	Stdin []byte
	// Retryable commands are retried with RetryBackoff. Only idempotent
	// requests should set it.
	Retryable bool
}

type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

type Executor struct {
	timeout time.Duration
	backoff []time.Duration
	runner  Runner
	clock   clock.Clock
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		timeout: cfg.CommandTimeout,
		backoff: cfg.RetryBackoff,
		runner:  OSRunner{},
		clock:   clock.WallClock,
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner, clk clock.Clock) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	if clk != nil {
		e.clock = clk
	}
	return e
}

func (e *Executor) Run(ctx context.Context, cmd Command) (RunResult, error) {
	if len(cmd.Argv) == 0 {
		return RunResult{}, errors.NotValidf("empty command")
	}

	maxAttempts := 1
	if cmd.Retryable {
		maxAttempts += len(e.backoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := e.clock.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.timeout)
		out, err := e.runner.Run(runCtx, cmd.Stdin, cmd.Argv[0], cmd.Argv[1:]...)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: e.clock.Now().Sub(start), Attempts: attempt}, nil
		}
		switch {
		case timedOut:
			lastErr = errors.Timeoutf("%s after %v", cmd.Argv[0], e.timeout)
		case len(out) > 0:
			lastErr = errors.Annotatef(err, "%s", bytes.TrimSpace(out))
		default:
			lastErr = err
		}
		logger.Debugf("%s attempt %d/%d failed: %v", cmd.Argv[0], attempt, maxAttempts, lastErr)

		if attempt < maxAttempts {
			backoff := e.backoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(e.clock.Now().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, errors.Trace(ctx.Err())
			case <-e.clock.After(backoff + jitter):
			}
		}
	}

	return RunResult{}, errors.Annotatef(lastErr, "run %s", cmd.Argv[0])
}
