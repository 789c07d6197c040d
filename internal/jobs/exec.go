package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

const outputTail = 4 << 10

type execHandler struct {
	shell   []string
	command string
	log     logx.Logger
}

func (h *execHandler) Execute(ctx context.Context) (task.Result, error) {
	argv := append(append([]string(nil), h.shell...), h.command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// Children that keep the pipes open must not outlive the timeout by much.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	h.log.Debug("exec finished", logx.String("command", h.command), logx.Duration("dur", time.Since(start)), logx.Err(err))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return task.Result{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return task.Result{}, fmt.Errorf("%w: %s", err, stderr.lastLines(3))
		}
		// The command could not be started at all; retrying will not help.
		return task.Result{}, task.NoRetry(err)
	}
	return task.Result{Success: true, Message: stdout.lastLines(1)}, nil
}

// tailBuffer keeps the last outputTail bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - outputTail; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) lastLines(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := bytes.Split(bytes.TrimRight(b.buf, "\r\n "), []byte("\n"))
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if s := strings.TrimSpace(string(lines[i])); s != "" {
			out = append([]string{s}, out...)
		}
	}
	return strings.Join(out, " | ")
}
