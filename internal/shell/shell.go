// Package shell executes step commands through `sh -c`, streaming their
// output into the structured logger line by line. A bounded tail of the
// combined output is retained so failures can show what the command printed
// last without buffering whole logs in memory.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
)

const (
	// tailLines is how many trailing output lines survive for error reports.
	tailLines = 20
	// maxLineSize bounds a single scanned output line.
	maxLineSize = 1024 * 1024
	// killDelay is how long a signalled process gets to exit before it is
	// killed outright.
	killDelay = 10 * time.Second
)

// Command describes one shell invocation.
type Command struct {
	// Script is passed verbatim to `sh -c`.
	Script string
	// Dir is the working directory; empty means the process inherits ours.
	Dir string
	// Env is the complete environment in KEY=value form.
	Env []string
}

// ExitError reports a command that ran and exited non-zero. The message
// carries the command and the retained output tail so stage results,
// history rows, and notifications show what the command printed last.
type ExitError struct {
	Command string
	Code    int
	Tail    []string
}

func (e *ExitError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("command %q: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("command %q: exit status %d, last output:\n%s", e.Command, e.Code, e.TailString())
}

// TailString returns the retained output tail as one newline-joined block.
func (e *ExitError) TailString() string {
	return strings.Join(e.Tail, "\n")
}

// Run executes the command and blocks until it finishes. Cancelling the
// context sends SIGTERM and, after a grace period, SIGKILL. The returned
// error is an *ExitError for non-zero exits, the context error when the
// run was cancelled, or a plain error when the process could not start.
func Run(ctx context.Context, command Command) error {
	logger := ctxlog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, "sh", "-c", command.Script)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.WaitDelay = killDelay
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	tail := newTailBuffer(tailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, "stdout", tail, logger.Info)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, "stderr", tail, logger.Info)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: command.Script, Code: exitErr.ExitCode(), Tail: tail.Lines()}
	}
	return fmt.Errorf("running command: %w", err)
}

// streamLines scans one pipe line by line, forwarding each to the log sink
// and the shared tail.
func streamLines(r io.Reader, stream string, tail *tailBuffer, log func(msg string, args ...any)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		log(line, "stream", stream)
	}
	if err := scanner.Err(); err != nil {
		// An over-long line stops the scanner mid-stream. The rest of the
		// pipe still has to be consumed or the child blocks on a full pipe
		// and the step never finishes.
		log("output truncated", "stream", stream, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// tailBuffer is a fixed-size ring of the most recent output lines, safe for
// use from both pipe readers.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
