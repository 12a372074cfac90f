// Package sandbox runs one run_code request end to end: admission, workspace,
// build, supervised execution, cleanup and the closing events.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"runbox/internal/sandbox/admission"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/language"
	"runbox/internal/sandbox/repository"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 3 * time.Second

// Request is one run_code submission.
type Request struct {
	ExecutionID string
	SessionID   string
	Language    string
	Code        string
	RemoteAddr  string
}

// Report summarises a finished request for the session.
type Report struct {
	ExecutionID string
	Outcome     result.Outcome
	// Err is set when the request was rejected or failed before running.
	Err error
	// CloseSession asks the session to disconnect after the final event.
	CloseSession bool
}

// Config holds worker dependencies and settings.
type Config struct {
	Admission  *admission.Controller
	Workspaces *workspace.Manager
	Pipeline   *language.Pipeline
	Supervisor *engine.Supervisor
	Publisher  repository.ExecutionEventPublisher
	// CloseSessionOnRuntimeError ends the session after a runtime_error.
	CloseSessionOnRuntimeError bool
}

// Worker executes requests. It is safe for concurrent use by many sessions.
type Worker struct {
	admission  *admission.Controller
	workspaces *workspace.Manager
	pipeline   *language.Pipeline
	supervisor *engine.Supervisor
	publisher  repository.ExecutionEventPublisher
	closeOnErr bool
}

// NewWorker validates dependencies and creates a worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Admission == nil {
		return nil, appErr.ValidationError("admission", "required")
	}
	if cfg.Workspaces == nil {
		return nil, appErr.ValidationError("workspaces", "required")
	}
	if cfg.Pipeline == nil {
		return nil, appErr.ValidationError("pipeline", "required")
	}
	if cfg.Supervisor == nil {
		return nil, appErr.ValidationError("supervisor", "required")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = repository.NoopExecutionEventPublisher{}
	}
	return &Worker{
		admission:  cfg.Admission,
		workspaces: cfg.Workspaces,
		pipeline:   cfg.Pipeline,
		supervisor: cfg.Supervisor,
		publisher:  publisher,
		closeOnErr: cfg.CloseSessionOnRuntimeError,
	}, nil
}

// Stats reports admission and workspace usage.
type Stats struct {
	Admission  admission.Stats `json:"admission"`
	Workspaces int             `json:"workspaces"`
}

func (w *Worker) Stats() Stats {
	return Stats{Admission: w.admission.Stats(), Workspaces: w.workspaces.Count()}
}

// Languages lists the supported languages.
func (w *Worker) Languages() []language.Spec {
	return w.pipeline.Registry().List()
}

// Execute runs req to completion and streams its events to sink. Cancelling
// ctx is a user stop at any stage. started, if set, receives the live
// execution as soon as the process is running so input can be relayed.
func (w *Worker) Execute(ctx context.Context, req Request, sink result.Sink, started func(*engine.Execution)) (rep Report) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.ExecutionID, req.ExecutionID)
	rep = Report{ExecutionID: req.ExecutionID}
	audit := repository.ExecutionEvent{
		ExecutionID: req.ExecutionID,
		SessionID:   req.SessionID,
		Language:    req.Language,
		RemoteAddr:  req.RemoteAddr,
		CodeBytes:   len(req.Code),
	}
	// rep is the named result, so early returns are audited as returned.
	defer func() { w.publish(ctx, audit, rep) }()

	spec, err := w.pipeline.Registry().Resolve(req.Language)
	if err != nil {
		return w.reject(ctx, sink, rep, err)
	}
	audit.Language = spec.ID

	queuedAt := time.Now()
	ticket, err := w.admission.Acquire(ctx)
	audit.QueuedMs = time.Since(queuedAt).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return w.stopped(ctx, sink, rep)
		}
		return w.reject(ctx, sink, rep, err)
	}

	ws, err := w.workspaces.Create(req.SessionID)
	if err != nil {
		ticket.Release()
		return w.reject(ctx, sink, rep, err)
	}
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			ticket.Release()
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := w.workspaces.Destroy(cleanupCtx, ws); err != nil {
				logger.Error(ctx, "destroy workspace failed", zap.String("dir", ws.Dir), zap.Error(err))
			}
		})
	}
	defer cleanup()

	prog, err := w.pipeline.Prepare(ctx, ws, spec.ID, req.Code)
	if prog != nil {
		audit.CompileMs = prog.Compile.Milliseconds()
	}
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return w.stopped(ctx, sink, rep)
		}
		if appErr.Is(err, appErr.CompilationError) {
			return w.compileFailed(ctx, sink, rep, err)
		}
		return w.reject(ctx, sink, rep, err)
	}

	exe, err := w.supervisor.Start(ctx, prog.Run, sink)
	if err != nil {
		cleanup()
		return w.reject(ctx, sink, rep, err)
	}
	logger.Info(ctx, "execution started", zap.String("language", spec.ID), zap.Int("pid", exe.Pid()))
	if started != nil {
		started(exe)
	}

	out := exe.Wait()
	cleanup()
	rep.Outcome = out
	audit.RunMs = out.Duration.Milliseconds()
	w.finish(ctx, sink, &rep)

	logger.Info(ctx, "execution finished",
		zap.String("state", string(out.State)),
		zap.String("reason", string(out.Reason)),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("output_lines", out.OutputLines),
		zap.Duration("duration", out.Duration),
	)
	return rep
}

// finish emits the closing events for a process that ran.
func (w *Worker) finish(ctx context.Context, sink result.Sink, rep *Report) {
	out := rep.Outcome
	switch out.State {
	case result.StateUserStopped:
		sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: 0})
	case result.StateTimedOut, result.StateOutputLimited, result.StateIterationLimited:
		sink.Emit(result.Event{Type: result.EventWarning, Data: w.limitWarning(out.State)})
		sink.Emit(result.Event{Type: result.EventSuccess, Data: "Program execution stopped"})
		sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: 0})
	case result.StateRuntimeError:
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = fmt.Sprintf("Process exited with code %d", out.ExitCode)
		}
		sink.Emit(result.Event{Type: result.EventRuntimeError, Message: msg})
		rep.Err = appErr.RuntimeFailed(msg, out.ExitCode)
		if w.closeOnErr {
			rep.CloseSession = true
			logger.Warn(ctx, "runtime error, closing session", zap.Int("exit_code", out.ExitCode))
			return
		}
		sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: out.ExitCode})
	default:
		sink.Emit(result.Event{Type: result.EventSuccess, Data: "Program finished successfully"})
		sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: out.ExitCode})
	}
}

func (w *Worker) limitWarning(state result.State) string {
	cfg := w.supervisor.Config()
	switch state {
	case result.StateTimedOut:
		return fmt.Sprintf("Execution time limit of %s reached; the program was stopped.", cfg.WallTimeout)
	case result.StateOutputLimited:
		return fmt.Sprintf("Output limit of %d lines reached; the remaining output was discarded.", cfg.MaxOutputLines)
	default:
		return fmt.Sprintf("Loop iteration limit of %d reached; the program was stopped.", w.pipeline.MaxIterations())
	}
}

func (w *Worker) stopped(ctx context.Context, sink result.Sink, rep Report) Report {
	logger.Info(ctx, "execution stopped before start")
	rep.Outcome = result.Outcome{State: result.StateUserStopped, Reason: result.ReasonUserStop}
	sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: 0})
	return rep
}

func (w *Worker) compileFailed(ctx context.Context, sink result.Sink, rep Report, err error) Report {
	e := appErr.GetError(err)
	exitCode, ok := appErr.ExitCode(err)
	if !ok {
		exitCode = 1
	}
	logger.Info(ctx, "compilation failed", zap.Int("exit_code", exitCode))
	rep.Err = err
	rep.Outcome = result.Outcome{State: result.StateRuntimeError, ExitCode: exitCode, Message: e.Message}
	sink.Emit(result.Event{Type: result.EventCompilationError, Message: e.Message})
	sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: exitCode})
	return rep
}

func (w *Worker) reject(ctx context.Context, sink result.Sink, rep Report, err error) Report {
	e := appErr.GetError(err)
	if e.Code == appErr.QueueFull || e.Code.HTTPStatus() < 500 {
		logger.Warn(ctx, "execution rejected", zap.Int("code", int(e.Code)), zap.String("message", e.Error()))
	} else {
		logger.Error(ctx, "execution failed", zap.Int("code", int(e.Code)), zap.Error(err))
	}
	rep.Err = err
	sink.Emit(result.Event{Type: result.EventError, Message: clientMessage(e)})
	return rep
}

// clientMessage hides internal detail of system failures from the client.
func clientMessage(e *appErr.Error) string {
	switch e.Code {
	case appErr.InternalServerError, appErr.SandboxSystemError, appErr.WorkspaceError, appErr.CacheError:
		return e.Code.Message()
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (w *Worker) publish(ctx context.Context, ev repository.ExecutionEvent, rep Report) {
	ev.State = rep.Outcome.State
	ev.Reason = rep.Outcome.Reason
	ev.ExitCode = rep.Outcome.ExitCode
	ev.OutputLines = rep.Outcome.OutputLines
	ev.Message = rep.Outcome.Message
	if rep.Err != nil && ev.Message == "" {
		ev.Message = rep.Err.Error()
	}
	if ev.State == "" {
		ev.State = "rejected"
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := w.publisher.PublishExecution(pubCtx, ev); err != nil {
		logger.Warn(ctx, "publish execution event failed", zap.Error(err))
	}
}
