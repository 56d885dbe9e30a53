// Package process runs a child command with a wall-clock limit and captures
// its output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// DefaultWaitDelay bounds how long Run waits for inherited stdout/stderr
// pipes to close after the child has been killed.
const DefaultWaitDelay = 3 * time.Second

// Command describes one child invocation.
type Command struct {
	// Path is the executable. It is resolved through PATH when it has no
	// separator.
	Path string
	Args []string
	// Env is the complete child environment. Nothing is inherited from the
	// parent process.
	Env map[string]string
	Dir string
	// Timeout is the wall-clock limit. Zero means no limit.
	Timeout time.Duration
	// MaxOutput caps each captured stream in bytes. The first and last
	// halves of an oversized stream are kept. Zero means no cap.
	MaxOutput int64
}

// Result is the outcome of a finished (or killed) child.
type Result struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	TimedOut        bool
	Duration        time.Duration
	StdoutTruncated bool
	StderrTruncated bool
}

// Runner starts child processes. The zero value is ready to use.
type Runner struct {
	WaitDelay time.Duration
}

// Run executes cmd with the default Runner.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	return (&Runner{}).Run(ctx, cmd)
}

// Run executes cmd and waits for it. A non-zero exit status is reported in
// the Result, not as an error. An error is returned when the child could not
// be started, or when ctx was cancelled before the child finished; in the
// latter case the partial Result is returned as well.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)

	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = environ(cmd.Env)
	c.WaitDelay = r.waitDelay()
	configureProcessGroup(c)

	stdout := &limitedBuffer{limit: cmd.MaxOutput}
	stderr := &limitedBuffer{limit: cmd.MaxOutput}
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	waitErr := c.Wait()

	res := &Result{
		Stdout:          Decode(stdout.Bytes()),
		Stderr:          Decode(stderr.Bytes()),
		ExitCode:        exitCode(c, waitErr),
		Duration:        time.Since(start),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("running %s: %w", cmd.Path, ctx.Err())
	}

	res.TimedOut = timedOut(waitErr, runCtx.Err())

	return res, nil
}

// timedOut reports whether the child was stopped by the wall-clock limit. A
// child that exited on its own just as the deadline passed did not time out.
func timedOut(waitErr, runErr error) bool {
	return waitErr != nil && errors.Is(runErr, context.DeadlineExceeded)
}

func (r *Runner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}

	return DefaultWaitDelay
}

// exitCode extracts the child's exit status. A child killed by a signal
// reports -1.
func exitCode(c *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}

	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}

	if waitErr != nil {
		return -1
	}

	return 0
}

// environ renders env as sorted KEY=VALUE entries. The result is never nil,
// so exec.Cmd does not fall back to the parent environment.
func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

// Decode converts child output to text. Invalid UTF-8 sequences are replaced
// with U+FFFD; decoding never fails.
func Decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}

	return string(out)
}

// limitedBuffer keeps the first and the last limit/2 bytes written to it and
// drops the middle. Writes never fail, so the child never sees an error.
type limitedBuffer struct {
	head    bytes.Buffer
	tail    []byte
	limit   int64
	written int64

	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.written += int64(n)

	if b.limit <= 0 {
		return b.head.Write(p)
	}

	if room := b.headLimit() - int64(b.head.Len()); room > 0 {
		if int64(len(p)) <= room {
			return b.head.Write(p)
		}

		b.head.Write(p[:room])
		p = p[room:]
	}

	b.tail = append(b.tail, p...)
	if over := len(b.tail) - int(b.tailLimit()); over > 0 {
		b.tail = b.tail[:copy(b.tail, b.tail[over:])]
	}

	b.truncated = b.written > b.limit

	return n, nil
}

func (b *limitedBuffer) headLimit() int64 {
	return b.limit - b.tailLimit()
}

func (b *limitedBuffer) tailLimit() int64 {
	return b.limit / 2
}

// Bytes returns the kept output. When the middle was dropped, a marker line
// naming the number of dropped bytes joins the two halves.
func (b *limitedBuffer) Bytes() []byte {
	if len(b.tail) == 0 {
		return b.head.Bytes()
	}

	var marker string
	if b.truncated {
		dropped := b.written - int64(b.head.Len()) - int64(len(b.tail))
		marker = fmt.Sprintf("\n[... %d bytes truncated ...]\n", dropped)
	}

	out := make([]byte, 0, b.head.Len()+len(marker)+len(b.tail))
	out = append(out, b.head.Bytes()...)
	out = append(out, marker...)

	return append(out, b.tail...)
}
