// Package runner executes external programs with line-streamed output and a
// bounded retry policy for transient provider conflicts.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LogSink receives each output line of a running command as it arrives.
type LogSink func(line string)

// Command describes one external program invocation.
type Command struct {
	// Name is the program to execute.
	Name string

	// Args are the program arguments.
	Args []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the current environment.
	Env []string
}

// String renders the command line for logging.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// RetryPolicy bounds re-execution of a failed command.
type RetryPolicy struct {
	// MaxRetries is the number of re-executions after the first attempt.
	MaxRetries int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// Retryable reports whether a failed attempt's combined output marks a
	// transient condition worth retrying. Nil means the command kind is not
	// retryable and any failure is final.
	Retryable func(output string) bool
}

// NoRetry is the policy for commands that must not be re-executed.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// TransientConflict reports whether command output carries a marker of a
// known transient provider conflict: the numeric conflict code, the literal
// word, or the provider's mid-transition message.
func TransientConflict(output string) bool {
	return strings.Contains(output, "409") ||
		strings.Contains(output, "Conflict") ||
		strings.Contains(output, "provisioning state is not terminal")
}

// CommandError is the fatal failure of a command after all attempts.
type CommandError struct {
	// Command is the rendered command line.
	Command string

	// ExitCode is the final attempt's exit code; -1 if the process could
	// not be started.
	ExitCode int

	// Attempts is the total number of executions performed.
	Attempts int

	// Err is the underlying execution error, if any.
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("command failed after %d attempts (exit %d): %s",
			e.Attempts, e.ExitCode, e.Command)
	}
	return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, e.Command)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner executes external commands.
type Runner interface {
	// Run executes the command, streaming merged stdout/stderr line-by-line
	// to the sink, and applies the retry policy on transient failures.
	// A nil return means the command exited zero.
	Run(ctx context.Context, cmd Command, policy RetryPolicy, sink LogSink) error
}

// ExecRunner runs commands as OS processes.
type ExecRunner struct{}

// New creates a new process runner.
func New() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner. Every invocation, output line, retry notice, and
// exit code is written to the sink in chronological order. Retries
// re-execute the full command from scratch.
func (r *ExecRunner) Run(ctx context.Context, cmd Command, policy RetryPolicy, sink LogSink) error {
	if sink == nil {
		sink = func(string) {}
	}

	sink("[CMD] " + cmd.String())

	attempts := policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			sink(fmt.Sprintf("[RETRY] Attempt %d/%d after %s delay",
				attempt+1, attempts, policy.Delay))
			select {
			case <-time.After(policy.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		output, exitCode, runErr := r.runOnce(ctx, cmd, sink)
		sink(fmt.Sprintf("[EXIT %d] %s", exitCode, cmd.String()))

		if runErr == nil {
			return nil
		}

		if exitCode < 0 {
			// The process never started; no output to inspect.
			return &CommandError{
				Command:  cmd.String(),
				ExitCode: exitCode,
				Attempts: attempt + 1,
				Err:      runErr,
			}
		}

		if attempt < policy.MaxRetries && policy.Retryable != nil && policy.Retryable(output) {
			sink(fmt.Sprintf("[RETRY] Detected retryable conflict; retrying in %s", policy.Delay))
			continue
		}

		return &CommandError{
			Command:  cmd.String(),
			ExitCode: exitCode,
			Attempts: attempt + 1,
			Err:      runErr,
		}
	}

	return &CommandError{
		Command:  cmd.String(),
		ExitCode: -1,
		Attempts: attempts,
		Err:      errors.New("retries exhausted"),
	}
}

// runOnce executes the command a single time, forwarding each decoded line
// to the sink as it arrives and accumulating the full output for marker
// inspection.
func (r *ExecRunner) runOnce(ctx context.Context, cmd Command, sink LogSink) (string, int, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	var captured strings.Builder
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			sink(line)
			captured.WriteString(line)
			captured.WriteByte('\n')
		}
		if err := scanner.Err(); err != nil {
			// Keep consuming the pipe so the child never blocks on a
			// full write; an oversized line must not wedge the run.
			sink(fmt.Sprintf("[WARN] output stream truncated: %v", err))
			_, _ = io.Copy(io.Discard, pr)
		}
	}()

	if err := c.Start(); err != nil {
		_ = pw.Close()
		<-scanned
		return "", -1, err
	}

	waitErr := c.Wait()
	_ = pw.Close()
	<-scanned

	if waitErr == nil {
		return captured.String(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return captured.String(), exitErr.ExitCode(), waitErr
	}
	return captured.String(), -1, waitErr
}
