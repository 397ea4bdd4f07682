package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
)

// Result captures one agent invocation. A nonzero exit or a timeout is
// still a Result, not an error: callers decide what the outcome means.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner invokes the headless agent with a prompt and a wall-clock
// deadline. Implementations must kill the subprocess when the deadline
// passes and return whatever output was captured up to that point.
type Runner interface {
	Run(ctx context.Context, prompt string, timeout time.Duration) (*Result, error)
}

// waitDelay bounds how long Run waits for pipe I/O after the process is
// gone. Agents spawn children; an orphan holding stdout must not wedge us.
const waitDelay = 2 * time.Second

// CLIRunner shells out to the configured agent binary, passing the prompt
// as the final argument and capturing stdout and stderr separately.
type CLIRunner struct {
	bin  string
	args []string
	log  zerolog.Logger
}

func NewCLIRunner(cfg *config.Config) *CLIRunner {
	return &CLIRunner{
		bin:  cfg.AgentBin,
		args: cfg.AgentArgs,
		log:  logging.Component("agent"),
	}
}

func (r *CLIRunner) Run(ctx context.Context, prompt string, timeout time.Duration) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := make([]string, 0, len(r.args)+1)
	argv = append(argv, r.args...)
	argv = append(argv, prompt)

	cmd := exec.CommandContext(runCtx, r.bin, argv...)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug().Str("bin", r.bin).Dur("timeout", timeout).Msg("invoking agent")
	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case err == nil:
	case res.TimedOut:
		// The kill shows up as an ExitError (signal) or a ctx error;
		// either way the captured output is all we get.
		res.ExitCode = -1
	case errors.Is(err, exec.ErrWaitDelay):
		// Process exited but an orphaned child kept the pipes open.
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run agent %s: %w", r.bin, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.log.Debug().
		Int("exit", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("took", res.Duration).
		Msg("agent finished")
	return res, nil
}
