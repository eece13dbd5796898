package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cmd.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// collectSink appends every line to a slice.
func collectSink(lines *[]string) LogSink {
	return func(line string) {
		*lines = append(*lines, line)
	}
}

func TestRunSuccessStreamsLines(t *testing.T) {
	script := writeScript(t, "echo one\necho two >&2\nexit 0\n")

	var lines []string
	r := New()
	err := r.Run(context.Background(), Command{Name: script}, NoRetry(), collectSink(&lines))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "one") || !strings.Contains(joined, "two") {
		t.Errorf("merged output missing lines: %q", joined)
	}
	if !strings.HasPrefix(lines[0], "[CMD] ") {
		t.Errorf("first line should announce the command, got %q", lines[0])
	}
	if !strings.Contains(joined, "[EXIT 0]") {
		t.Errorf("exit code line missing: %q", joined)
	}
}

func TestRunFailureCarriesExitCode(t *testing.T) {
	script := writeScript(t, "echo broken\nexit 3\n")

	var lines []string
	r := New()
	err := r.Run(context.Background(), Command{Name: script}, NoRetry(), collectSink(&lines))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	cmdErr, ok := err.(*CommandError)
	if !ok {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", cmdErr.ExitCode)
	}
	if cmdErr.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", cmdErr.Attempts)
	}
	if !strings.Contains(strings.Join(lines, "\n"), "[EXIT 3]") {
		t.Errorf("exit line missing from sink output")
	}
}

// TestRunRetriesOnConflictThenSucceeds fails twice with a conflict marker and
// succeeds on the third attempt, all under MaxRetries=2.
func TestRunRetriesOnConflictThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	script := writeScript(t, fmt.Sprintf(`
count=$(cat %[1]s 2>/dev/null || echo 0)
count=$((count + 1))
echo $count > %[1]s
if [ $count -le 2 ]; then
  echo "Error: Conflict: resource busy"
  exit 1
fi
echo done
exit 0
`, counter))

	var lines []string
	r := New()
	err := r.Run(context.Background(), Command{Name: script}, RetryPolicy{
		MaxRetries: 2,
		Delay:      10 * time.Millisecond,
		Retryable:  TransientConflict,
	}, collectSink(&lines))
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}

	retries := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "[RETRY] Attempt") {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retry attempts = %d, want 2", retries)
	}
	if !strings.Contains(strings.Join(lines, "\n"), "done") {
		t.Errorf("final attempt output missing")
	}
}

// TestRunRetriesExhausted keeps failing with the marker until the budget runs
// out: three executions total for MaxRetries=2.
func TestRunRetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	script := writeScript(t, fmt.Sprintf(`
count=$(cat %[1]s 2>/dev/null || echo 0)
echo $((count + 1)) > %[1]s
echo "409 conflict"
exit 1
`, counter))

	var lines []string
	r := New()
	err := r.Run(context.Background(), Command{Name: script}, RetryPolicy{
		MaxRetries: 2,
		Delay:      10 * time.Millisecond,
		Retryable:  TransientConflict,
	}, collectSink(&lines))
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}

	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatalf("failed to read attempt counter: %v", readErr)
	}
	if got := strings.TrimSpace(string(data)); got != "3" {
		t.Errorf("executions = %s, want 3", got)
	}

	cmdErr, ok := err.(*CommandError)
	if !ok {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", cmdErr.Attempts)
	}
}

// TestRunNoRetryWithoutMarker fails without a conflict marker; the retry
// budget must not be spent.
func TestRunNoRetryWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	script := writeScript(t, fmt.Sprintf(`
count=$(cat %[1]s 2>/dev/null || echo 0)
echo $((count + 1)) > %[1]s
echo "genuine failure"
exit 1
`, counter))

	r := New()
	err := r.Run(context.Background(), Command{Name: script}, RetryPolicy{
		MaxRetries: 2,
		Delay:      10 * time.Millisecond,
		Retryable:  TransientConflict,
	}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}

	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatalf("failed to read attempt counter: %v", readErr)
	}
	if got := strings.TrimSpace(string(data)); got != "1" {
		t.Errorf("executions = %s, want 1 (no retries without marker)", got)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := New()
	err := r.Run(context.Background(), Command{Name: "/nonexistent/program"}, NoRetry(), nil)
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	cmdErr, ok := err.(*CommandError)
	if !ok {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 for spawn failure", cmdErr.ExitCode)
	}
}

func TestTransientConflict(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"StatusCode=409", true},
		{"Conflict: operation in progress", true},
		{"provisioning state is not terminal", true},
		{"permission denied", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := TransientConflict(tt.output); got != tt.want {
			t.Errorf("TransientConflict(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "terraform", Args: []string{"apply", "-auto-approve"}}
	if got := cmd.String(); got != "terraform apply -auto-approve" {
		t.Errorf("String() = %q", got)
	}
}

// TestRunSurvivesOversizedOutputLine: a line beyond the scanner's buffer cap
// must not wedge the child on its blocked write; the stream is truncated and
// the run still finishes.
func TestRunSurvivesOversizedOutputLine(t *testing.T) {
	script := writeScript(t, "head -c 2097152 /dev/zero | tr '\\0' 'x'\necho\necho trailing\nexit 0\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lines []string
	r := New()
	err := r.Run(ctx, Command{Name: script}, NoRetry(), collectSink(&lines))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "[WARN] output stream truncated") {
		t.Errorf("missing truncation warning: %q", joined)
	}
	if !strings.Contains(joined, "[EXIT 0]") {
		t.Errorf("exit line missing")
	}
}
