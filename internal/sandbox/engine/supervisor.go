// Package engine runs one child program at a time under wall-clock, output
// and iteration limits while streaming its output as events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor starts executions with a shared limit configuration.
type Supervisor struct {
	cfg Config
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

const (
	streamOut = iota
	streamErr
)

// Execution is one running child process.
type Execution struct {
	cfg     Config
	cmd     *exec.Cmd
	command Command
	sink    result.Sink
	started time.Time

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	mu     sync.Mutex
	reason result.Reason
	lines  int
	capped bool
	// held is text that followed the last allowed newline, per stream. It
	// is emitted at end of stream unless another newline crosses the cap.
	held        [2]string
	errDetected bool
	errBuf      strings.Builder
	errTail     tailBuffer
	errTimer    *time.Timer

	killOnce sync.Once
	exited   chan struct{}
	done     chan struct{}
	outcome  result.Outcome
}

// Start spawns the command and begins supervising it. Events are delivered to
// sink until Wait returns. Cancelling ctx stops the process as a user stop.
func (s *Supervisor) Start(ctx context.Context, c Command, sink result.Sink) (*Execution, error) {
	if c.Path == "" {
		return nil, appErr.ValidationError("command", "required")
	}
	if sink == nil {
		sink = result.SinkFunc(func(result.Event) {})
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create stdin pipe failed")
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create stdout pipe failed")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create stderr pipe failed")
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "start process failed")
	}
	// The child holds its own copies; EOF arrives once every writer is gone.
	closeAll(outW, errW)

	if err := applyCPULimit(cmd.Process.Pid, s.cfg.CPUTimeLimit); err != nil {
		logger.Warn(ctx, "apply cpu limit failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}

	e := &Execution{
		cfg:     s.cfg,
		cmd:     cmd,
		command: c,
		sink:    sink,
		started: time.Now(),
		stdin:   stdin,
		errTail: tailBuffer{max: maxErrorBytes},
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	logger.Debug(ctx, "process started", zap.Int("pid", cmd.Process.Pid), zap.String("path", c.Path))
	go e.supervise(ctx, outR, errR)
	return e, nil
}

// Pid returns the child process id.
func (e *Execution) Pid() int {
	return e.cmd.Process.Pid
}

// Stop records reason (the first recorded reason wins) and kills the process.
func (e *Execution) Stop(reason result.Reason) {
	e.mu.Lock()
	if e.reason == result.ReasonNone {
		e.reason = reason
	}
	e.mu.Unlock()
	e.kill()
}

// Reason returns the recorded stop reason.
func (e *Execution) Reason() result.Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// WriteInput writes one line to the child's stdin.
func (e *Execution) WriteInput(line string) error {
	e.stdinMu.Lock()
	defer e.stdinMu.Unlock()
	if e.stdinClosed {
		return appErr.New(appErr.NoActiveRun)
	}
	if _, err := io.WriteString(e.stdin, line+"\n"); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "write stdin failed")
	}
	return nil
}

// Done is closed once the outcome is available.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the process has exited and its output is drained.
func (e *Execution) Wait() result.Outcome {
	<-e.done
	return e.outcome
}

func (e *Execution) supervise(ctx context.Context, outR, errR *os.File) {
	var pumps errgroup.Group
	stdout := &markerSplitter{marker: e.cfg.InputMarker}
	stderr := &markerSplitter{marker: e.cfg.IterationMarker}
	pumps.Go(func() error {
		return e.pump(outR, func(s string) { e.handleStdout(stdout.feed(s)) }, func() {
			e.handleStdout(stdout.flush())
			e.release(streamOut, result.EventOutput)
		})
	})
	pumps.Go(func() error {
		return e.pump(errR, func(s string) { e.handleStderr(stderr.feed(s)) }, func() {
			e.handleStderr(stderr.flush())
			e.release(streamErr, result.EventErrorOutput)
		})
	})

	waitCh := make(chan error, 1)
	go func() { waitCh <- e.cmd.Wait() }()

	timer := time.NewTimer(e.cfg.WallTimeout)
	defer timer.Stop()
	ctxDone := ctx.Done()
	var waitErr error
wait:
	for {
		select {
		case <-timer.C:
			logger.Info(ctx, "wall clock limit reached", zap.Duration("limit", e.cfg.WallTimeout))
			e.Stop(result.ReasonTimeout)
		case <-ctxDone:
			ctxDone = nil
			e.Stop(result.ReasonUserStop)
		case waitErr = <-waitCh:
			break wait
		}
	}
	close(e.exited)
	// Reap anything the program left behind in its group.
	_ = signalGroup(e.cmd.Process, true)

	pumpsDone := make(chan error, 1)
	go func() { pumpsDone <- pumps.Wait() }()
	select {
	case err := <-pumpsDone:
		if err != nil {
			logger.Warn(ctx, "output pump failed", zap.Error(err))
		}
	case <-time.After(e.cfg.DrainTimeout):
		logger.Warn(ctx, "output drain timed out, closing pipes")
		closeAll(outR, errR)
		<-pumpsDone
	}

	e.stdinMu.Lock()
	e.stdinClosed = true
	_ = e.stdin.Close()
	e.stdinMu.Unlock()

	e.outcome = e.finish(waitErr)
	logger.Debug(ctx, "process finished",
		zap.String("state", string(e.outcome.State)),
		zap.String("reason", string(e.outcome.Reason)),
		zap.Int("exit_code", e.outcome.ExitCode),
		zap.Int("output_lines", e.outcome.OutputLines),
		zap.Duration("duration", e.outcome.Duration),
	)
	close(e.done)
}

func (e *Execution) finish(waitErr error) result.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errTimer != nil {
		e.errTimer.Stop()
	}

	exitCode := exitCodeFromErr(waitErr, e.cmd.ProcessState)
	sigCode, sigDesc := signalExit(e.cmd.ProcessState)
	if sigDesc != "" {
		exitCode = sigCode
	}
	reason := e.reason
	if reason == result.ReasonNone && e.errDetected {
		reason = result.ReasonError
	}

	out := result.Outcome{
		State:       result.StateFor(reason, exitCode),
		Reason:      reason,
		ExitCode:    exitCode,
		Duration:    time.Since(e.started),
		OutputLines: e.lines,
	}
	if out.State == result.StateRuntimeError {
		switch {
		case e.errDetected:
			out.Message = e.errBuf.String()
		case strings.TrimSpace(e.errTail.String()) != "":
			out.Message = e.errTail.String()
		case sigDesc != "":
			out.Message = sigDesc
		default:
			out.Message = fmt.Sprintf("Process exited with code %d", exitCode)
		}
	}
	return out
}

func (e *Execution) pump(r *os.File, handle func(string), flush func()) error {
	buf := make([]byte, e.cfg.ReadBufferSize)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			complete, rest := splitUTF8(pending)
			if len(complete) > 0 {
				handle(string(complete))
			}
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			if len(pending) > 0 {
				handle(string(pending))
			}
			flush()
			_ = r.Close()
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (e *Execution) handleStdout(segs []segment) {
	for _, seg := range segs {
		if seg.marker {
			if e.isCapped() {
				continue
			}
			e.sink.Emit(result.Event{Type: result.EventInputRequest})
			continue
		}
		text, hit := e.admit(streamOut, seg.text)
		if text != "" {
			e.sink.Emit(result.Event{Type: result.EventOutput, Data: text})
		}
		if hit {
			e.Stop(result.ReasonOutputLimit)
		}
	}
}

func (e *Execution) handleStderr(segs []segment) {
	for _, seg := range segs {
		if seg.marker {
			e.Stop(result.ReasonIterationLimit)
			continue
		}
		text := seg.text
		if e.command.Rewrite != nil {
			text = e.command.Rewrite(text)
		}
		if e.captureError(text) {
			continue
		}
		out, hit := e.admit(streamErr, text)
		if out != "" {
			e.sink.Emit(result.Event{Type: result.EventErrorOutput, Data: out})
		}
		if hit {
			e.Stop(result.ReasonOutputLimit)
		}
	}
}

// captureError buffers stderr once an error pattern has matched and arms the
// grace timer on the first match. It reports whether text was consumed.
func (e *Execution) captureError(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errDetected {
		e.appendErrLocked(text)
		return true
	}
	e.errTail.write(text)
	if !e.cfg.DetectErrors || e.reason != result.ReasonNone || !matchesAny(e.command.ErrorPatterns, text) {
		return false
	}
	e.errDetected = true
	e.appendErrLocked(text)
	e.errTimer = time.AfterFunc(e.cfg.ErrorGrace, func() { e.Stop(result.ReasonError) })
	return true
}

func (e *Execution) appendErrLocked(text string) {
	if room := maxErrorBytes - e.errBuf.Len(); room > 0 {
		if len(text) > room {
			text = text[:room]
		}
		e.errBuf.WriteString(text)
	}
}

// admit applies the shared line cap and returns the part of text that may be
// emitted now. hit is true once the cap has been crossed. Once the cap is
// reached, a trailing partial line is held until its stream ends.
func (e *Execution) admit(stream int, text string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capped {
		return "", true
	}
	n := strings.Count(text, "\n")
	switch {
	case e.lines+n < e.cfg.MaxOutputLines:
		e.lines += n
		return text, false
	case e.lines+n == e.cfg.MaxOutputLines:
		e.lines += n
		cut := strings.LastIndexByte(text, '\n') + 1
		e.held[stream] += text[cut:]
		return text[:cut], false
	}
	allowed := e.cfg.MaxOutputLines - e.lines
	e.lines = e.cfg.MaxOutputLines
	e.capped = true
	e.held = [2]string{}
	return cutLines(text, allowed), true
}

// release emits the partial line held back for stream once it has ended.
func (e *Execution) release(stream int, typ result.EventType) {
	e.mu.Lock()
	text := e.held[stream]
	e.held[stream] = ""
	capped := e.capped
	e.mu.Unlock()
	if text != "" && !capped {
		e.sink.Emit(result.Event{Type: typ, Data: text})
	}
}

func (e *Execution) isCapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capped
}

// kill runs the shared termination path once: a graceful signal to the
// process group, then a forceful one after the grace window.
func (e *Execution) kill() {
	e.killOnce.Do(func() {
		go func() {
			if err := signalGroup(e.cmd.Process, false); err != nil {
				_ = signalGroup(e.cmd.Process, true)
				return
			}
			t := time.NewTimer(e.cfg.KillGrace)
			defer t.Stop()
			select {
			case <-e.exited:
			case <-t.C:
			}
			_ = signalGroup(e.cmd.Process, true)
		}()
	})
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func closeAll(files ...io.Closer) {
	for _, f := range files {
		_ = f.Close()
	}
}
