package engine

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	appErr "runbox/pkg/errors"
)

// RunResult is the report of a command run to completion.
type RunResult struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// RunOnce runs a short-lived command (a compiler or syntax checker) with its
// combined output captured and the whole process group killed on timeout or
// ctx cancellation.
func RunOnce(ctx context.Context, c Command, timeout time.Duration) (RunResult, error) {
	if c.Path == "" {
		return RunResult{}, appErr.ValidationError("command", "required")
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = sysProcAttr()
	out := &limitedBuffer{max: maxCaptureBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = DefaultDrainTimeout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "start %s failed", c.Path)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wall <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			wall = t.C
		}
		select {
		case <-ctx.Done():
			_ = signalGroup(cmd.Process, true)
		case <-wall:
			timedOut.Store(true)
			_ = signalGroup(cmd.Process, true)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	_ = signalGroup(cmd.Process, true)

	res := RunResult{
		Output:   out.String(),
		ExitCode: exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut: timedOut.Load(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil && !res.TimedOut {
		return res, ctx.Err()
	}
	return res, nil
}

// limitedBuffer keeps the first max bytes and silently drops the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	max int64
	buf []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - int64(len(b.buf)); room > 0 {
		if int64(len(p)) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
