//go:build linux

package language

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

func shellRegistry() *Registry {
	return NewRegistry(Spec{
		ID:            "shell",
		Aliases:       []string{"sh"},
		SourceFile:    "main.sh",
		CompileCmdTpl: "sh -n {src}",
		RunCmdTpl:     "sh {src}",
	})
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	return &workspace.Workspace{ID: "test", SessionID: "s1", Dir: t.TempDir()}
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestPrepareRejections(t *testing.T) {
	p := NewPipeline(shellRegistry(), PipelineConfig{MaxSourceBytes: 16})
	ctx := context.Background()
	tests := []struct {
		name string
		tag  string
		code string
		want appErr.ErrorCode
	}{
		{"unknown language", "cobol", "DISPLAY 'HI'.", appErr.LanguageNotSupported},
		{"empty code", "sh", "   ", appErr.ValidationFailed},
		{"too large", "sh", strings.Repeat("echo 1\n", 10), appErr.CodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Prepare(ctx, newWorkspace(t), tt.tag, tt.code)
			if !appErr.Is(err, tt.want) {
				t.Fatalf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestPrepareShell(t *testing.T) {
	requireTool(t, "sh")
	p := NewPipeline(shellRegistry(), PipelineConfig{})
	ws := newWorkspace(t)

	prog, err := p.Prepare(context.Background(), ws, "sh", "echo hello")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prog.Run.Path != "sh" || len(prog.Run.Args) != 1 || prog.Run.Args[0] != ws.Path("main.sh") {
		t.Fatalf("unexpected run command: %+v", prog.Run)
	}
	if prog.Run.Dir != ws.Dir {
		t.Fatalf("run dir = %s", prog.Run.Dir)
	}
	data, err := os.ReadFile(ws.Path("main.sh"))
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if string(data) != "echo hello" {
		t.Fatalf("source = %q", data)
	}
}

func TestPrepareCompilationError(t *testing.T) {
	requireTool(t, "sh")
	p := NewPipeline(shellRegistry(), PipelineConfig{})
	ws := newWorkspace(t)

	_, err := p.Prepare(context.Background(), ws, "sh", "if then\n")
	if !appErr.Is(err, appErr.CompilationError) {
		t.Fatalf("expected CompilationError, got %v", err)
	}
	msg := appErr.GetError(err).Message
	if msg == "" || strings.Contains(msg, ws.Dir) {
		t.Fatalf("message should be non-empty and free of workspace paths: %q", msg)
	}
}

type pythonRun struct {
	mu       sync.Mutex
	out      strings.Builder
	requests chan struct{}
}

func (r *pythonRun) Emit(ev result.Event) {
	switch ev.Type {
	case result.EventOutput:
		r.mu.Lock()
		r.out.WriteString(ev.Data)
		r.mu.Unlock()
	case result.EventInputRequest:
		r.requests <- struct{}{}
	}
}

func (r *pythonRun) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func runPython(t *testing.T, code string, inputs ...string) (result.Outcome, string) {
	t.Helper()
	requireTool(t, "python3")
	p := NewPipeline(NewRegistry(), PipelineConfig{MaxIterations: 50})
	ctx := context.Background()
	prog, err := p.Prepare(ctx, newWorkspace(t), "python", code)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sup := engine.NewSupervisor(engine.Config{
		InputMarker:     InputMarker,
		IterationMarker: IterationMarker,
		DetectErrors:    true,
		WallTimeout:     10 * time.Second,
	})
	rec := &pythonRun{requests: make(chan struct{}, 8)}
	exe, err := sup.Start(ctx, prog.Run, rec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, in := range inputs {
		select {
		case <-rec.requests:
		case <-time.After(10 * time.Second):
			t.Fatalf("no input request")
		}
		if err := exe.WriteInput(in); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	select {
	case <-exe.Done():
	case <-time.After(15 * time.Second):
		t.Fatalf("execution did not finish")
	}
	return exe.Wait(), rec.output()
}

func TestPythonInteractiveInput(t *testing.T) {
	out, text := runPython(t, "name = input('Name? ')\nprint('hi', name)\n", "Ada")
	if out.State != result.StateCompleted {
		t.Fatalf("state = %s (%s)", out.State, out.Message)
	}
	if !strings.Contains(text, "Name? ") || !strings.Contains(text, "hi Ada") {
		t.Fatalf("output = %q", text)
	}
	if strings.Contains(text, InputMarker) {
		t.Fatalf("marker leaked into output")
	}
}

func TestPythonIterationLimit(t *testing.T) {
	out, _ := runPython(t, "i = 0\nwhile True:\n    i += 1\n")
	if out.State != result.StateIterationLimited {
		t.Fatalf("state = %s (%s)", out.State, out.Message)
	}
}

func TestPythonForLoopLimit(t *testing.T) {
	out, text := runPython(t, "for i in range(10**9):\n    pass\nprint('done')\n")
	if out.State != result.StateIterationLimited {
		t.Fatalf("state = %s (%s)", out.State, out.Message)
	}
	if strings.Contains(text, "done") {
		t.Fatalf("program should not finish: %q", text)
	}
}

func TestPythonRuntimeErrorMapsLines(t *testing.T) {
	out, _ := runPython(t, "x = 1\nprint(x / 0)\n")
	if out.State != result.StateRuntimeError {
		t.Fatalf("state = %s", out.State)
	}
	if !strings.Contains(out.Message, "ZeroDivisionError") {
		t.Fatalf("message = %q", out.Message)
	}
	if !strings.Contains(out.Message, `main.py", line 2`) {
		t.Fatalf("line not mapped back: %q", out.Message)
	}
}

func TestCProgram(t *testing.T) {
	requireTool(t, "gcc")
	p := NewPipeline(NewRegistry(), PipelineConfig{MaxIterations: 50})
	ctx := context.Background()

	_, err := p.Prepare(ctx, newWorkspace(t), "c", "int main(void) { return undefined_name; }\n")
	if !appErr.Is(err, appErr.CompilationError) {
		t.Fatalf("expected CompilationError, got %v", err)
	}

	prog, err := p.Prepare(ctx, newWorkspace(t), "c", "#include <stdio.h>\nint main(void) {\n  for (;;) {}\n}\n")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sup := engine.NewSupervisor(engine.Config{InputMarker: InputMarker, IterationMarker: IterationMarker, WallTimeout: 10 * time.Second})
	exe, err := sup.Start(ctx, prog.Run, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out := exe.Wait(); out.State != result.StateIterationLimited {
		t.Fatalf("state = %s (%s)", out.State, out.Message)
	}
}
