package language

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const (
	// InputMarker is written to stdout by the shim right before the program
	// blocks on stdin.
	InputMarker = "\x1e__RUNBOX_INPUT_REQUEST__\x1e"
	// IterationMarker is written to stderr when the loop ceiling is exceeded.
	IterationMarker = "\x1e__RUNBOX_ITERATION_LIMIT__\x1e"

	DefaultMaxIterations = 1000
)

// tickCall is the expression instrumentation inserts into loop conditions.
var tickCall = map[Family]string{
	FamilyC:          "runbox_tick()",
	FamilyCPP:        "runbox_tick()",
	FamilyJava:       "RunboxShim.tick()",
	FamilyCSharp:     "RunboxShim.Tick()",
	FamilyJavaScript: "runboxTick()",
}

const (
	pythonTick = "runbox_tick"
	pythonIter = "runbox_iter"
)

type shimData struct {
	Marker        string
	LimitLine     string
	MaxIterations int
}

const cStdioHooks = `static int runbox_stdin_empty(void) {
#if defined(__GLIBC__)
    return stdin->_IO_read_ptr >= stdin->_IO_read_end;
#else
    return 1;
#endif
}
static void runbox_request_input(void) {
    if (runbox_stdin_empty()) {
        fputs({{.Marker}}, stdout);
    }
    fflush(stdout);
}
#define scanf(...) (runbox_request_input(), scanf(__VA_ARGS__))
#define getchar() (runbox_request_input(), getchar())
#define fgets(buf, n, stream) (((stream) == stdin ? runbox_request_input() : (void)0), fgets(buf, n, stream))`

const cShim = `#include <stdio.h>
#include <stdlib.h>
#include <unistd.h>
static long runbox_count = 0;
static int runbox_tick(void) {
    if (++runbox_count > {{.MaxIterations}}L) {
        fflush(stdout);
        fputs({{.LimitLine}}, stderr);
        fflush(stderr);
        _exit(0);
    }
    return 1;
}
__attribute__((constructor)) static void runbox_init(void) { setvbuf(stdout, NULL, _IOLBF, 0); }
` + cStdioHooks

const cppShim = `#include <cstdio>
#include <cstdlib>
#include <iostream>
#include <streambuf>
#include <unistd.h>
static long runbox_count = 0;
static bool runbox_tick() {
    if (++runbox_count > {{.MaxIterations}}L) {
        std::cout.flush();
        std::fflush(stdout);
        std::fputs({{.LimitLine}}, stderr);
        std::fflush(stderr);
        _exit(0);
    }
    return true;
}
class RunboxInputBuf : public std::streambuf {
    char buf_[4096];
protected:
    int_type underflow() override {
        if (gptr() < egptr()) return traits_type::to_int_type(*gptr());
        std::cout.flush();
        std::fputs({{.Marker}}, stdout);
        std::fflush(stdout);
        ssize_t n = ::read(0, buf_, sizeof(buf_));
        if (n <= 0) return traits_type::eof();
        setg(buf_, buf_, buf_ + n);
        return traits_type::to_int_type(*gptr());
    }
};
static RunboxInputBuf runbox_input_buf;
static struct RunboxInit {
    RunboxInit() {
        std::setvbuf(stdout, nullptr, _IOLBF, 0);
        std::cin.rdbuf(&runbox_input_buf);
    }
} runbox_init;
#define sync_with_stdio(x) sync_with_stdio(true)
` + cStdioHooks

const javaShim = `final class RunboxShim {
    static final String MARKER = {{.Marker}};
    static final String LIMIT = {{.LimitLine}};
    static long count = 0;
    static boolean tick() {
        if (++count > {{.MaxIterations}}L) {
            System.out.flush();
            System.err.print(LIMIT);
            System.err.flush();
            Runtime.getRuntime().halt(0);
        }
        return true;
    }
    static final class Input extends java.io.InputStream {
        private final java.io.InputStream in;
        Input(java.io.InputStream in) { this.in = in; }
        private void request() throws java.io.IOException {
            if (in.available() == 0) System.out.print(MARKER);
            System.out.flush();
        }
        @Override public int read() throws java.io.IOException { request(); return in.read(); }
        @Override public int read(byte[] b, int off, int len) throws java.io.IOException {
            if (len == 0) return 0;
            request();
            return in.read(b, off, len);
        }
        @Override public int available() throws java.io.IOException { return in.available(); }
    }
}
final class RunboxLauncher {
    public static void main(String[] args) throws Throwable {
        System.setIn(new RunboxShim.Input(System.in));
        java.lang.reflect.Method main = Class.forName(args[0]).getDeclaredMethod("main", String[].class);
        main.setAccessible(true);
        try {
            main.invoke(null, (Object) new String[0]);
        } catch (java.lang.reflect.InvocationTargetException e) {
            throw e.getCause();
        }
        System.out.flush();
    }
}`

const csharpShim = `internal static class RunboxShim
{
    internal const string Marker = {{.Marker}};
    internal const string Limit = {{.LimitLine}};
    private static long count;

    internal static bool Tick()
    {
        if (++count > {{.MaxIterations}}L)
        {
            System.Console.Out.Flush();
            System.Console.Error.Write(Limit);
            System.Console.Error.Flush();
            System.Environment.Exit(0);
        }
        return true;
    }

    [System.Runtime.CompilerServices.ModuleInitializer]
    internal static void Install()
    {
        System.Console.SetIn(new Reader(System.Console.In));
    }

    private sealed class Reader : System.IO.TextReader
    {
        private readonly System.IO.TextReader inner;
        private string pending = "";
        private int pos;

        internal Reader(System.IO.TextReader inner) { this.inner = inner; }

        private bool Fill()
        {
            if (pos < pending.Length) return true;
            System.Console.Out.Write(Marker);
            System.Console.Out.Flush();
            string line = inner.ReadLine();
            if (line == null) return false;
            pending = line + "\n";
            pos = 0;
            return true;
        }

        public override string ReadLine()
        {
            if (!Fill()) return null;
            string rest = pending.Substring(pos).TrimEnd('\n');
            pos = pending.Length;
            return rest;
        }

        public override int Read()
        {
            if (!Fill()) return -1;
            return pending[pos++];
        }

        public override int Peek()
        {
            if (!Fill()) return -1;
            return pending[pos];
        }
    }
}`

const pythonShim = `import sys as runbox_sys
import os as runbox_os
import builtins as runbox_builtins
runbox_count = 0
def runbox_tick():
    global runbox_count
    runbox_count += 1
    if runbox_count > {{.MaxIterations}}:
        runbox_sys.stdout.flush()
        runbox_sys.stderr.write({{.LimitLine}})
        runbox_sys.stderr.flush()
        runbox_os._exit(0)
    return True
def runbox_iter(iterable):
    for runbox_item in iterable:
        runbox_tick()
        yield runbox_item
def runbox_input(prompt=""):
    runbox_sys.stdout.write(str(prompt) + {{.Marker}})
    runbox_sys.stdout.flush()
    line = runbox_sys.stdin.readline()
    if not line:
        raise EOFError("EOF when reading a line")
    return line[:-1] if line.endswith("\n") else line
runbox_builtins.input = runbox_input`

const javascriptShim = `const runboxFs = require("fs");
let runboxCount = 0;
function runboxTick() {
  if (++runboxCount > {{.MaxIterations}}) {
    runboxFs.writeSync(2, {{.LimitLine}});
    process.exit(0);
  }
  return true;
}
function runboxReadLine() {
  const one = Buffer.alloc(1);
  const bytes = [];
  for (;;) {
    let n;
    try {
      n = runboxFs.readSync(0, one, 0, 1, null);
    } catch (e) {
      if (e.code === "EAGAIN") continue;
      if (e.code === "EOF") break;
      throw e;
    }
    if (n === 0 || one[0] === 10) break;
    bytes.push(one[0]);
  }
  return Buffer.from(bytes).toString("utf8").replace(/\r$/, "");
}
function input(promptText) {
  runboxFs.writeSync(1, (promptText === undefined ? "" : String(promptText)) + {{.Marker}});
  return runboxReadLine();
}
globalThis.input = input;
globalThis.prompt = input;`

var shimTemplates = map[Family]*template.Template{
	FamilyC:          template.Must(template.New("c").Parse(cShim)),
	FamilyCPP:        template.Must(template.New("cpp").Parse(cppShim)),
	FamilyJava:       template.Must(template.New("java").Parse(javaShim)),
	FamilyCSharp:     template.Must(template.New("csharp").Parse(csharpShim)),
	FamilyPython:     template.Must(template.New("python").Parse(pythonShim)),
	FamilyJavaScript: template.Must(template.New("javascript").Parse(javascriptShim)),
}

// renderShim produces the shim source for a family, or "" for families
// without one.
func renderShim(family Family, maxIterations int) (string, error) {
	tpl, ok := shimTemplates[family]
	if !ok {
		return "", nil
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	data := shimData{
		Marker:        quoteLiteral(family, InputMarker),
		LimitLine:     quoteLiteral(family, IterationMarker),
		MaxIterations: maxIterations,
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// quoteLiteral renders s as a string literal of the family. Control bytes use
// \x escapes closed by string concatenation in C and \u escapes elsewhere.
func quoteLiteral(family Family, s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			if family == FamilyC || family == FamilyCPP {
				fmt.Fprintf(&b, `\x%02x""`, c)
			} else {
				fmt.Fprintf(&b, `\u%04x`, c)
			}
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
