// Package session owns client connections: the wire protocol, the per-connection
// run lifecycle, interactive input relay and liveness.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"runbox/internal/sandbox"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultInputQueue = 16

	runtimeErrorDisconnect = "Runtime error occurred. Please reconnect to continue."
	shutdownDisconnect     = "Server is shutting down."
)

// Runner executes run_code requests.
type Runner interface {
	Execute(ctx context.Context, req sandbox.Request, sink result.Sink, started func(*engine.Execution)) sandbox.Report
}

// Config holds per-session settings.
type Config struct {
	InputQueue    int `yaml:"inputQueue"`
	RunsPerMinute int `yaml:"runsPerMinute"`
}

// Session is one connected client.
type Session struct {
	id         string
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	transport  Transport
	runner     Runner
	limiter    RunLimiter
	local      *rate.Limiter
	inputQueue int

	lastSeen atomic.Int64
	runs     atomic.Int64

	mu  sync.Mutex
	run *activeRun

	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Value
}

// activeRun is the state of the current run_code request.
type activeRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	exe     *engine.Execution
	pending int
	inputs  chan string
}

// New creates a session bound to transport. ctx supplies logging values and
// the session ends when it is cancelled.
func New(ctx context.Context, transport Transport, runner Runner, limiter RunLimiter, cfg Config) *Session {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.SessionID, id)
	ctx, cancel := context.WithCancel(ctx)
	remote, _ := ctx.Value(contextkey.RemoteAddr).(string)
	if cfg.InputQueue <= 0 {
		cfg.InputQueue = DefaultInputQueue
	}
	s := &Session{
		id:         id,
		remoteAddr: remote,
		ctx:        ctx,
		cancel:     cancel,
		transport:  transport,
		runner:     runner,
		limiter:    limiter,
		local:      newSessionLimiter(cfg.RunsPerMinute),
		inputQueue: cfg.InputQueue,
		closed:     make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Context() context.Context { return s.ctx }

// LastSeen is the time of the last inbound message.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Running reports whether a run is in progress.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Runs is the number of run_code requests accepted so far.
func (s *Session) Runs() int64 { return s.runs.Load() }

// Closed is closed once the session has ended.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Reason is the close reason, empty while open.
func (s *Session) Reason() string {
	r, _ := s.reason.Load().(string)
	return r
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) send(msg Outbound) {
	if err := s.transport.Send(msg); err != nil && !s.isClosed() {
		logger.Debug(s.ctx, "send envelope failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Serve announces the session and processes inbound messages until the
// transport fails or the session is closed. It returns after the current run
// has been cleaned up.
func (s *Session) Serve() {
	logger.Info(s.ctx, "session opened")
	s.send(connectionEstablished(s.id))

	go func() {
		select {
		case <-s.transport.Done():
			s.Close("connection closed")
		case <-s.closed:
		}
	}()

	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			s.Close("connection closed")
			break
		}
		s.touch()
		if s.isClosed() {
			break
		}
		msg, err := DecodeInbound(data)
		if err != nil {
			logger.Debug(s.ctx, "malformed message ignored", zap.Error(err))
			continue
		}
		s.handle(msg)
	}
	s.waitRun()
	logger.Info(s.ctx, "session closed", zap.String("reason", s.Reason()), zap.Int64("runs", s.Runs()))
}

func (s *Session) handle(msg Inbound) {
	switch msg.Type {
	case TypeRunCode:
		s.runCode(msg)
	case TypeInputResponse:
		s.inputResponse(msg.Input)
	case TypeStopExecution:
		s.stop()
	case TypePong:
	}
}

func (s *Session) runCode(msg Inbound) {
	if err := s.allow(); err != nil {
		s.send(errorMessage(appErr.GetError(err).Message))
		return
	}
	// A new request replaces the previous run only after it has fully stopped.
	s.stop()
	s.waitRun()
	if s.isClosed() {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &activeRun{
		cancel: cancel,
		done:   make(chan struct{}),
		inputs: make(chan string, s.inputQueue),
	}
	s.mu.Lock()
	s.run = r
	s.mu.Unlock()
	s.runs.Add(1)

	req := sandbox.Request{
		SessionID:  s.id,
		Language:   msg.Language,
		Code:       msg.Code,
		RemoteAddr: s.remoteAddr,
	}
	go s.execute(ctx, r, req)
}

func (s *Session) allow() error {
	if s.local != nil && !s.local.Allow() {
		logger.Warn(s.ctx, "session run rate exceeded")
		return appErr.New(appErr.TooManyRequests).WithMessage("Too many runs, please slow down")
	}
	if s.limiter == nil {
		return nil
	}
	key := s.remoteAddr
	if key == "" {
		key = s.id
	}
	err := s.limiter.Allow(s.ctx, key)
	switch {
	case err == nil:
		return nil
	case appErr.Is(err, appErr.TooManyRequests):
		logger.Warn(s.ctx, "client run rate exceeded", zap.String("key", key))
		return err
	default:
		// The shared limiter failing open keeps the sandbox usable without Redis.
		logger.Warn(s.ctx, "rate limiter unavailable", zap.Error(err))
		return nil
	}
}

func (s *Session) execute(ctx context.Context, r *activeRun, req sandbox.Request) {
	defer close(r.done)
	defer r.cancel()

	sink := result.SinkFunc(func(ev result.Event) {
		if ev.Type == result.EventInputRequest {
			s.mu.Lock()
			r.pending++
			s.mu.Unlock()
		}
		s.send(FromEvent(ev))
	})
	rep := s.runner.Execute(ctx, req, sink, func(exe *engine.Execution) {
		s.mu.Lock()
		r.exe = exe
		s.mu.Unlock()
		go s.relay(ctx, r, exe)
	})

	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	if rep.CloseSession {
		s.send(disconnect(runtimeErrorDisconnect))
		s.Close("runtime error")
	}
}

// relay feeds queued input lines to the child until the run ends. Lines
// queued before the process handle was published are delivered first.
func (s *Session) relay(ctx context.Context, r *activeRun, exe *engine.Execution) {
	for {
		select {
		case line := <-r.inputs:
			if err := exe.WriteInput(line); err != nil {
				logger.Debug(s.ctx, "input dropped", zap.Error(err))
			}
		case <-exe.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) inputResponse(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run
	if r == nil {
		logger.Debug(s.ctx, "input without a running program dropped")
		return
	}
	if r.pending == 0 {
		logger.Debug(s.ctx, "input without a pending request dropped")
		return
	}
	select {
	case r.inputs <- input:
		r.pending--
	default:
		logger.Warn(s.ctx, "input queue full, input dropped", zap.Int("capacity", cap(r.inputs)))
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	logger.Info(s.ctx, "stop requested")
	r.cancel()
}

func (s *Session) waitRun() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Close ends the session: the current run is stopped and the transport is
// flushed and closed. Only the first call has an effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.closed)
		s.cancel()
		if err := s.transport.Close(); err != nil {
			logger.Debug(s.ctx, "close transport failed", zap.Error(err))
		}
	})
}

// Shutdown notifies the client, closes the session and waits for its run to
// be cleaned up or ctx to end.
func (s *Session) Shutdown(ctx context.Context) {
	if !s.isClosed() {
		s.send(disconnect(shutdownDisconnect))
	}
	s.Close("server shutdown")
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}
