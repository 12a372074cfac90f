package language

import (
	"testing"

	appErr "runbox/pkg/errors"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		tag    string
		wantID string
	}{
		{"python", "python"},
		{"Py", "python"},
		{"C++", "cpp"},
		{"c#", "csharp"},
		{" node ", "javascript"},
		{"java", "java"},
		{"c", "c"},
	}
	for _, tt := range tests {
		s, err := r.Resolve(tt.tag)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.tag, err)
		}
		if s.ID != tt.wantID {
			t.Fatalf("resolve %q = %s, want %s", tt.tag, s.ID, tt.wantID)
		}
	}

	if _, err := r.Resolve("cobol"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if _, err := r.Resolve(""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestRegistryOverrides(t *testing.T) {
	r := NewRegistry(
		Spec{ID: "python", RunCmdTpl: "pypy3 -u {src}", Env: []string{"X=1"}},
		Spec{ID: "shell", Name: "Shell", Aliases: []string{"sh"}, SourceFile: "main.sh", RunCmdTpl: "sh {src}"},
	)

	py, err := r.Resolve("python")
	if err != nil {
		t.Fatalf("resolve python: %v", err)
	}
	if py.RunCmdTpl != "pypy3 -u {src}" {
		t.Fatalf("run template not overridden: %s", py.RunCmdTpl)
	}
	if py.CompileCmdTpl == "" || py.Family != FamilyPython {
		t.Fatalf("override dropped built-in fields: %+v", py)
	}
	if py.Env[len(py.Env)-1] != "X=1" {
		t.Fatalf("env not appended: %v", py.Env)
	}

	sh, err := r.Resolve("SH")
	if err != nil {
		t.Fatalf("resolve sh: %v", err)
	}
	if sh.ID != "shell" || sh.Family != FamilyPlain {
		t.Fatalf("unexpected custom spec: %+v", sh)
	}

	if got := len(r.List()); got != len(DefaultSpecs())+1 {
		t.Fatalf("list has %d specs", got)
	}
}
