package language

import (
	"strconv"
	"strings"
	"testing"
)

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		family Family
		in     string
		want   string
	}{
		{FamilyC, "\x1eA\x1e", `"\x1e""A\x1e"""`},
		{FamilyJava, "\x1eA\x1e", `"\u001eA\u001e"`},
		{FamilyPython, `say "hi"\`, `"say \"hi\"\\"`},
	}
	for _, tt := range tests {
		if got := quoteLiteral(tt.family, tt.in); got != tt.want {
			t.Errorf("quoteLiteral(%s, %q) = %s, want %s", tt.family, tt.in, got, tt.want)
		}
	}
}

func TestRenderShim(t *testing.T) {
	for _, f := range []Family{FamilyC, FamilyCPP, FamilyJava, FamilyCSharp, FamilyPython, FamilyJavaScript} {
		t.Run(string(f), func(t *testing.T) {
			shim, err := renderShim(f, 25)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if !strings.Contains(shim, quoteLiteral(f, InputMarker)) {
				t.Fatalf("shim lacks input marker:\n%s", shim)
			}
			if !strings.Contains(shim, quoteLiteral(f, IterationMarker)) {
				t.Fatalf("shim lacks iteration marker:\n%s", shim)
			}
			if !strings.Contains(shim, "25") {
				t.Fatalf("shim lacks ceiling:\n%s", shim)
			}
		})
	}

	shim, err := renderShim(FamilyPlain, 0)
	if err != nil || shim != "" {
		t.Fatalf("plain shim = %q, %v", shim, err)
	}
}

func compositeLineOf(t *testing.T, text, needle string) int {
	t.Helper()
	for i, line := range strings.Split(text, "\n") {
		if strings.Contains(line, needle) {
			return i + 1
		}
	}
	t.Fatalf("%q not found in composite:\n%s", needle, text)
	return 0
}

func TestComposePython(t *testing.T) {
	spec := Spec{ID: "python", Family: FamilyPython}
	code := "import sys\nx = 1\nwhile x < 3:\n    x += 1\nprint(x)\n"
	u, err := compose(spec, code, DefaultMaxIterations)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.HasPrefix(u.text, "import sys\n") {
		t.Fatalf("declarations must come first:\n%s", u.text)
	}
	shimAt := compositeLineOf(t, u.text, "def runbox_tick")
	bodyAt := compositeLineOf(t, u.text, "x = 1")
	if shimAt > bodyAt {
		t.Fatalf("shim must precede body")
	}
	loopAt := compositeLineOf(t, u.text, "while runbox_tick() and (x < 3):")
	if n, ok := u.lines.user(bodyAt); !ok || n != 2 {
		t.Fatalf("body line maps to %d, %v", n, ok)
	}
	if n, ok := u.lines.user(loopAt); !ok || n != 3 {
		t.Fatalf("loop line maps to %d, %v", n, ok)
	}
	if _, ok := u.lines.user(shimAt); ok {
		t.Fatalf("shim line must not map to user code")
	}
}

func TestComposeCSharpPutsShimLast(t *testing.T) {
	spec := Spec{ID: "csharp", Family: FamilyCSharp}
	code := "using System;\nfor (int i = 0; i < 3; i++) Console.WriteLine(i);\n"
	u, err := compose(spec, code, DefaultMaxIterations)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	bodyAt := compositeLineOf(t, u.text, "Console.WriteLine(i)")
	shimAt := compositeLineOf(t, u.text, "internal static class RunboxShim")
	if shimAt < bodyAt {
		t.Fatalf("shim must follow top-level statements:\n%s", u.text)
	}
	if !strings.Contains(u.text, "RunboxShim.Tick() && (i < 3)") {
		t.Fatalf("loop not instrumented:\n%s", u.text)
	}
}

func TestComposeJavaNames(t *testing.T) {
	spec := Spec{ID: "java", Family: FamilyJava}
	code := "package com.acme;\nimport java.util.Scanner;\npublic class App {\n  public static void main(String[] a) {\n    while (true) {\n      break;\n    }\n  }\n}\n"
	u, err := compose(spec, code, DefaultMaxIterations)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if u.class != "App" || u.main != "com.acme.App" || u.launcher != "com.acme.RunboxLauncher" {
		t.Fatalf("names = %s %s %s", u.class, u.main, u.launcher)
	}
	if !strings.Contains(u.text, "while (true) { RunboxShim.tick();") {
		t.Fatalf("infinite loop not instrumented in body:\n%s", u.text)
	}
}

func TestComposePlainIsUntouched(t *testing.T) {
	code := "echo one\necho two"
	u, err := compose(Spec{ID: "sh", Family: FamilyPlain}, code, 0)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if u.text != code {
		t.Fatalf("text = %q", u.text)
	}
	if n, ok := u.lines.user(2); !ok || n != 2 {
		t.Fatalf("line 2 maps to %d, %v", n, ok)
	}
}

func TestComposeCeiling(t *testing.T) {
	u, err := compose(Spec{ID: "c", Family: FamilyC}, "int main(void) { for (;;); }", 7)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(u.text, "> "+strconv.Itoa(7)+"L") {
		t.Fatalf("ceiling not rendered:\n%s", u.text)
	}
	if !strings.Contains(u.text, "for (; runbox_tick() ;)") {
		t.Fatalf("loop not instrumented:\n%s", u.text)
	}
}
