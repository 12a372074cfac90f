package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"runbox/internal/sandbox"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTransport struct {
	in   chan []byte
	sent chan Outbound

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		sent: make(chan Outbound, 256),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.done:
		return nil, appErr.New(appErr.TransportError)
	}
}

func (f *fakeTransport) Send(msg Outbound) error {
	select {
	case <-f.done:
		return appErr.New(appErr.SessionClosed)
	default:
	}
	f.sent <- msg
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) push(raw string) { f.in <- []byte(raw) }

// next returns the next envelope that is not a ping.
func (f *fakeTransport) next(t *testing.T) Outbound {
	t.Helper()
	for {
		select {
		case msg := <-f.sent:
			if msg.Type == result.EventPing {
				continue
			}
			return msg
		case <-time.After(5 * time.Second):
			t.Fatalf("no envelope received")
			return Outbound{}
		}
	}
}

func (f *fakeTransport) expect(t *testing.T, types ...result.EventType) []Outbound {
	t.Helper()
	var got []Outbound
	for _, typ := range types {
		msg := f.next(t)
		if msg.Type != typ {
			t.Fatalf("got %s, want %s (after %+v)", msg.Type, typ, got)
		}
		got = append(got, msg)
	}
	return got
}

type runnerFunc func(ctx context.Context, req sandbox.Request, sink result.Sink, started func(*engine.Execution)) sandbox.Report

func (f runnerFunc) Execute(ctx context.Context, req sandbox.Request, sink result.Sink, started func(*engine.Execution)) sandbox.Report {
	return f(ctx, req, sink, started)
}

func serve(t *testing.T, runner Runner, limiter RunLimiter, cfg Config) (*Session, *fakeTransport, chan struct{}) {
	t.Helper()
	ft := newFakeTransport()
	s := New(context.Background(), ft, runner, limiter, cfg)
	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		s.Close("test done")
		<-done
	})
	return s, ft, done
}

func TestSessionAnnouncesItself(t *testing.T) {
	s, ft, _ := serve(t, runnerFunc(nil), nil, Config{})
	msg := ft.next(t)
	if msg.Type != result.EventConnectionEstablished || msg.SessionID != s.ID() {
		t.Fatalf("unexpected first envelope %+v", msg)
	}
}

func TestSessionIgnoresMalformedMessages(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(_ context.Context, req sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		calls.Add(1)
		sink.Emit(result.Event{Type: result.EventSuccess, Data: req.Language})
		sink.Emit(result.Event{Type: result.EventExecutionComplete})
		return sandbox.Report{}
	})
	_, ft, _ := serve(t, runner, nil, Config{})
	ft.expect(t, result.EventConnectionEstablished)

	ft.push("not json")
	ft.push(`{"type":"bogus"}`)
	ft.push(`{"language":"python"}`)
	ft.push(`{"type":"pong"}`)
	ft.push(`{"type":"run_code","language":"python","code":"print(1)"}`)

	msgs := ft.expect(t, result.EventSuccess, result.EventExecutionComplete)
	if msgs[0].Data != "python" {
		t.Fatalf("request not passed through: %+v", msgs[0])
	}
	if msgs[1].ExitCode == nil || *msgs[1].ExitCode != 0 {
		t.Fatalf("execution_complete must carry exit_code: %+v", msgs[1])
	}
	if calls.Load() != 1 {
		t.Fatalf("runner called %d times", calls.Load())
	}
}

func TestSessionRuntimeErrorDisconnects(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(_ context.Context, _ sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		calls.Add(1)
		sink.Emit(result.Event{Type: result.EventRuntimeError, Message: "Traceback"})
		return sandbox.Report{CloseSession: true}
	})
	s, ft, done := serve(t, runner, nil, Config{})
	ft.expect(t, result.EventConnectionEstablished)
	ft.push(`{"type":"run_code","language":"python","code":"1/0"}`)

	msgs := ft.expect(t, result.EventRuntimeError, result.EventDisconnect)
	if msgs[1].Message == "" {
		t.Fatalf("disconnect should carry a message")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not end")
	}
	if s.Reason() != "runtime error" {
		t.Fatalf("reason = %q", s.Reason())
	}
	select {
	case <-ft.Done():
	default:
		t.Fatalf("transport not closed")
	}
	if calls.Load() != 1 {
		t.Fatalf("runner called %d times", calls.Load())
	}
}

// blockingRunner runs until its context is cancelled and then reports a user stop.
func blockingRunner(started chan<- string) Runner {
	return runnerFunc(func(ctx context.Context, req sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		started <- req.Code
		<-ctx.Done()
		sink.Emit(result.Event{Type: result.EventExecutionComplete, ExitCode: 0})
		return sandbox.Report{Outcome: result.Outcome{State: result.StateUserStopped}}
	})
}

func TestSessionStopExecution(t *testing.T) {
	started := make(chan string, 1)
	s, ft, _ := serve(t, blockingRunner(started), nil, Config{})
	ft.expect(t, result.EventConnectionEstablished)

	ft.push(`{"type":"run_code","language":"python","code":"while True: pass"}`)
	<-started
	if !s.Running() {
		t.Fatalf("session should be running")
	}
	ft.push(`{"type":"stop_execution"}`)

	msg := ft.next(t)
	if msg.Type != result.EventExecutionComplete || msg.ExitCode == nil || *msg.ExitCode != 0 {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("run flag not reset")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionNewRunStopsPrevious(t *testing.T) {
	started := make(chan string, 2)
	s, ft, _ := serve(t, blockingRunner(started), nil, Config{})
	ft.expect(t, result.EventConnectionEstablished)

	ft.push(`{"type":"run_code","language":"python","code":"first"}`)
	if got := <-started; got != "first" {
		t.Fatalf("started %q", got)
	}
	ft.push(`{"type":"run_code","language":"python","code":"second"}`)
	ft.expect(t, result.EventExecutionComplete)
	select {
	case got := <-started:
		if got != "second" {
			t.Fatalf("started %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second run did not start")
	}
	if s.Runs() != 2 {
		t.Fatalf("runs = %d", s.Runs())
	}
}

func TestSessionRunRateLimit(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, _ sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		sink.Emit(result.Event{Type: result.EventExecutionComplete})
		return sandbox.Report{}
	})
	_, ft, _ := serve(t, runner, nil, Config{RunsPerMinute: 1})
	ft.expect(t, result.EventConnectionEstablished)

	ft.push(`{"type":"run_code","language":"python","code":"1"}`)
	ft.expect(t, result.EventExecutionComplete)
	ft.push(`{"type":"run_code","language":"python","code":"2"}`)
	if msg := ft.next(t); msg.Type != result.EventError || msg.Message == "" {
		t.Fatalf("expected error envelope, got %+v", msg)
	}
}

type limiterFunc func(ctx context.Context, key string) error

func (f limiterFunc) Allow(ctx context.Context, key string) error { return f(ctx, key) }

func TestSessionSharedLimiter(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(_ context.Context, _ sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		calls.Add(1)
		sink.Emit(result.Event{Type: result.EventExecutionComplete})
		return sandbox.Report{}
	})
	tests := []struct {
		name    string
		err     error
		wantRun bool
	}{
		{"allowed", nil, true},
		{"limited", appErr.New(appErr.TooManyRequests).WithMessage("slow down"), false},
		{"cache down fails open", appErr.New(appErr.CacheError), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			lim := limiterFunc(func(context.Context, string) error { return tt.err })
			_, ft, _ := serve(t, runner, lim, Config{})
			ft.expect(t, result.EventConnectionEstablished)
			ft.push(`{"type":"run_code","language":"python","code":"1"}`)
			msg := ft.next(t)
			if tt.wantRun {
				if msg.Type != result.EventExecutionComplete || calls.Load() != 1 {
					t.Fatalf("expected a run, got %+v", msg)
				}
				return
			}
			if msg.Type != result.EventError || msg.Message != "slow down" {
				t.Fatalf("expected rate limit error, got %+v", msg)
			}
			if calls.Load() != 0 {
				t.Fatalf("runner should not be called")
			}
		})
	}
}

func TestSessionDropsUnrequestedInput(t *testing.T) {
	s := New(context.Background(), newFakeTransport(), runnerFunc(nil), nil, Config{InputQueue: 2})

	s.inputResponse("ignored")

	r := &activeRun{inputs: make(chan string, 2), exe: &engine.Execution{}}
	s.run = r
	s.inputResponse("no request pending")
	if len(r.inputs) != 0 {
		t.Fatalf("input without a pending request must be dropped")
	}

	r.pending = 3
	s.inputResponse("a")
	s.inputResponse("b")
	s.inputResponse("c")
	if len(r.inputs) != 2 || r.pending != 1 {
		t.Fatalf("queue len = %d, pending = %d", len(r.inputs), r.pending)
	}
}

func TestSessionLogMessagesAreLowercase(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger.SetGlobal(logger.NewFromZap(zap.New(core)))
	t.Cleanup(func() { logger.SetGlobal(nil) })

	s := New(context.Background(), newFakeTransport(), runnerFunc(nil), nil, Config{InputQueue: 1})
	s.inputResponse("no run")
	r := &activeRun{inputs: make(chan string, 1)}
	s.run = r
	s.inputResponse("no request")
	r.pending = 2
	s.inputResponse("a")
	s.inputResponse("queue full")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		first, _ := utf8.DecodeRuneInString(e.Message)
		if unicode.IsUpper(first) {
			t.Errorf("log message %q starts with a capital", e.Message)
		}
	}
}

func TestSessionQueuesInputBeforeProcessHandle(t *testing.T) {
	requested := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ sandbox.Request, sink result.Sink, _ func(*engine.Execution)) sandbox.Report {
		// The program asks for input before the worker hands over the process.
		sink.Emit(result.Event{Type: result.EventInputRequest})
		close(requested)
		<-ctx.Done()
		sink.Emit(result.Event{Type: result.EventExecutionComplete})
		return sandbox.Report{}
	})
	s, ft, _ := serve(t, runner, nil, Config{})
	ft.expect(t, result.EventConnectionEstablished)

	ft.push(`{"type":"run_code","language":"python","code":"input()"}`)
	ft.expect(t, result.EventInputRequest)
	<-requested
	ft.push(`{"type":"input_response","input":"Ada"}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		var queued int
		if s.run != nil {
			queued = len(s.run.inputs)
		}
		s.mu.Unlock()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("input was not queued for the pending request")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ft.push(`{"type":"stop_execution"}`)
	ft.expect(t, result.EventExecutionComplete)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s := New(context.Background(), ft, runnerFunc(nil), nil, Config{})
	s.Close("first")
	s.Close("second")
	if s.Reason() != "first" {
		t.Fatalf("reason = %q", s.Reason())
	}
	if err := s.Context().Err(); err == nil {
		t.Fatalf("session context should be cancelled")
	}
}
