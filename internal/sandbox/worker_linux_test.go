//go:build linux

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"runbox/internal/sandbox/admission"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/language"
	"runbox/internal/sandbox/repository"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

type recorder struct {
	mu     sync.Mutex
	events []result.Event
}

func (r *recorder) Emit(ev result.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []result.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []result.EventType
	for _, ev := range r.events {
		if ev.Type == result.EventOutput || ev.Type == result.EventErrorOutput {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() result.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return result.Event{}
	}
	return r.events[len(r.events)-1]
}

type capturePublisher struct {
	mu     sync.Mutex
	events []repository.ExecutionEvent
}

func (p *capturePublisher) PublishExecution(_ context.Context, ev repository.ExecutionEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

type fixture struct {
	worker    *Worker
	root      string
	admission *admission.Controller
	published *capturePublisher
}

func newFixture(t *testing.T, capacity, queue int, closeOnErr bool, sup engine.Config) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	wm, err := workspace.NewManager(root)
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	reg := language.NewRegistry(language.Spec{
		ID:            "shell",
		Aliases:       []string{"sh"},
		SourceFile:    "main.sh",
		CompileCmdTpl: "sh -n {src}",
		RunCmdTpl:     "sh {src}",
	})
	if sup.WallTimeout == 0 {
		sup.WallTimeout = 10 * time.Second
	}
	ac := admission.New(capacity, queue)
	pub := &capturePublisher{}
	w, err := NewWorker(Config{
		Admission:                  ac,
		Workspaces:                 wm,
		Pipeline:                   language.NewPipeline(reg, language.PipelineConfig{}),
		Supervisor:                 engine.NewSupervisor(sup),
		Publisher:                  pub,
		CloseSessionOnRuntimeError: closeOnErr,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &fixture{worker: w, root: root, admission: ac, published: pub}
}

func (f *fixture) assertClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace root not empty: %d entries", len(entries))
	}
	if st := f.admission.Stats(); st.InUse != 0 || st.Waiting != 0 {
		t.Fatalf("admission not released: %+v", st)
	}
}

func equalTypes(got, want []result.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteFraming(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		closeOnErr bool
		sup        engine.Config
		want       []result.EventType
		wantExit   int
		wantClose  bool
		wantState  result.State
	}{
		{
			name:      "success",
			code:      "echo hello\n",
			want:      []result.EventType{result.EventSuccess, result.EventExecutionComplete},
			wantState: result.StateCompleted,
		},
		{
			name:      "compilation error",
			code:      "if then\n",
			want:      []result.EventType{result.EventCompilationError, result.EventExecutionComplete},
			wantExit:  2,
			wantState: result.StateRuntimeError,
		},
		{
			name:      "output limit",
			code:      "i=0\nwhile true; do echo $i; i=$((i+1)); done\n",
			sup:       engine.Config{MaxOutputLines: 20},
			want:      []result.EventType{result.EventWarning, result.EventSuccess, result.EventExecutionComplete},
			wantState: result.StateOutputLimited,
		},
		{
			name:      "timeout",
			code:      "sleep 5\n",
			sup:       engine.Config{WallTimeout: 300 * time.Millisecond},
			want:      []result.EventType{result.EventWarning, result.EventSuccess, result.EventExecutionComplete},
			wantState: result.StateTimedOut,
		},
		{
			name:       "runtime error closes session",
			code:       "echo boom >&2\nexit 3\n",
			closeOnErr: true,
			want:       []result.EventType{result.EventRuntimeError},
			wantExit:   3,
			wantClose:  true,
			wantState:  result.StateRuntimeError,
		},
		{
			name:      "runtime error keeps session",
			code:      "exit 4\n",
			want:      []result.EventType{result.EventRuntimeError, result.EventExecutionComplete},
			wantExit:  4,
			wantState: result.StateRuntimeError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, 4, tt.closeOnErr, tt.sup)
			rec := &recorder{}
			rep := f.worker.Execute(context.Background(), Request{SessionID: "s1", Language: "sh", Code: tt.code}, rec, nil)

			if got := rec.types(); !equalTypes(got, tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			if rep.CloseSession != tt.wantClose {
				t.Fatalf("close session = %v", rep.CloseSession)
			}
			if rep.Outcome.State != tt.wantState {
				t.Fatalf("state = %s", rep.Outcome.State)
			}
			last := rec.last()
			if last.Type == result.EventExecutionComplete && last.ExitCode != tt.wantExit {
				t.Fatalf("exit code = %d, want %d", last.ExitCode, tt.wantExit)
			}
			if rep.ExecutionID == "" {
				t.Fatalf("missing execution id")
			}
			f.assertClean(t)
			if len(f.published.events) != 1 || f.published.events[0].ExecutionID != rep.ExecutionID {
				t.Fatalf("audit events = %+v", f.published.events)
			}
			audit := f.published.events[0]
			if audit.State != tt.wantState {
				t.Fatalf("audit state = %s, want %s", audit.State, tt.wantState)
			}
			if tt.wantState == result.StateRuntimeError {
				if audit.ExitCode != tt.wantExit || audit.Message == "" {
					t.Fatalf("audit exit/message = %d %q", audit.ExitCode, audit.Message)
				}
			}
		})
	}
}

func TestExecuteRejections(t *testing.T) {
	f := newFixture(t, 1, 1, true, engine.Config{})
	rec := &recorder{}
	rep := f.worker.Execute(context.Background(), Request{Language: "cobol", Code: "x"}, rec, nil)
	if !appErr.Is(rep.Err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", rep.Err)
	}
	if got := rec.types(); !equalTypes(got, []result.EventType{result.EventError}) {
		t.Fatalf("events = %v", got)
	}
	if ev := f.published.events[0]; ev.State != "rejected" || ev.Message == "" {
		t.Fatalf("audit event = %+v", ev)
	}
	f.assertClean(t)
}

func TestExecuteQueueFull(t *testing.T) {
	f := newFixture(t, 1, 0, true, engine.Config{})
	started := make(chan *engine.Execution, 1)
	done := make(chan Report, 1)
	go func() {
		done <- f.worker.Execute(context.Background(), Request{Language: "sh", Code: "sleep 2\n"}, &recorder{}, func(e *engine.Execution) {
			started <- e
		})
	}()
	var exe *engine.Execution
	select {
	case exe = <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first execution did not start")
	}

	rec := &recorder{}
	rep := f.worker.Execute(context.Background(), Request{Language: "sh", Code: "echo hi\n"}, rec, nil)
	if !appErr.Is(rep.Err, appErr.QueueFull) {
		t.Fatalf("expected QueueFull, got %v", rep.Err)
	}
	if ev := rec.last(); ev.Type != result.EventError || ev.Message == "" {
		t.Fatalf("unexpected event %+v", ev)
	}

	exe.Stop(result.ReasonUserStop)
	<-done
	f.assertClean(t)
}

func TestExecuteUserStop(t *testing.T) {
	f := newFixture(t, 1, 1, true, engine.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan Report, 1)
	go func() {
		done <- f.worker.Execute(ctx, Request{Language: "sh", Code: "echo start\nsleep 30\n"}, rec, func(*engine.Execution) {
			cancel()
		})
	}()
	var rep Report
	select {
	case rep = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("stop did not end execution")
	}
	if rep.Outcome.State != result.StateUserStopped {
		t.Fatalf("state = %s", rep.Outcome.State)
	}
	if ev := rec.last(); ev.Type != result.EventExecutionComplete || ev.ExitCode != 0 {
		t.Fatalf("last event = %+v", ev)
	}
	f.assertClean(t)
}

func TestExecuteStoppedWhileQueued(t *testing.T) {
	f := newFixture(t, 1, 2, true, engine.Config{})
	started := make(chan *engine.Execution, 1)
	first := make(chan Report, 1)
	go func() {
		first <- f.worker.Execute(context.Background(), Request{Language: "sh", Code: "sleep 5\n"}, &recorder{}, func(e *engine.Execution) {
			started <- e
		})
	}()
	exe := <-started

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	second := make(chan Report, 1)
	go func() {
		second <- f.worker.Execute(ctx, Request{Language: "sh", Code: "echo never\n"}, rec, nil)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.admission.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("second request never queued")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	rep := <-second
	if rep.Outcome.State != result.StateUserStopped {
		t.Fatalf("state = %s", rep.Outcome.State)
	}
	if got := rec.types(); !equalTypes(got, []result.EventType{result.EventExecutionComplete}) {
		t.Fatalf("events = %v", got)
	}

	exe.Stop(result.ReasonUserStop)
	<-first
	f.assertClean(t)
	var audited bool
	for _, ev := range f.published.events {
		if ev.ExecutionID == rep.ExecutionID {
			audited = true
			if ev.State != result.StateUserStopped {
				t.Fatalf("queued stop audited as %s", ev.State)
			}
		}
	}
	if !audited {
		t.Fatalf("queued stop not audited: %+v", f.published.events)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	if _, err := NewWorker(Config{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
