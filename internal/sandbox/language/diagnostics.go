package language

import (
	"regexp"
	"strconv"
	"strings"
)

// errorPatterns flag stderr lines that indicate a runtime failure.
var errorPatterns = map[Family][]*regexp.Regexp{
	FamilyC:   nativeErrorPatterns,
	FamilyCPP: nativeErrorPatterns,
	FamilyJava: {
		regexp.MustCompile(`Exception in thread "`),
		regexp.MustCompile(`(?m)^(\w+\.)+\w*(Exception|Error)\b`),
	},
	FamilyCSharp: {
		regexp.MustCompile(`Unhandled exception\.`),
		regexp.MustCompile(`(?m)^\s*System\.(\w+\.)*\w*Exception\b`),
	},
	FamilyPython: {
		regexp.MustCompile(`(?m)^Traceback \(most recent call last\):`),
		regexp.MustCompile(`(?m)^\w+(Error|Exception): `),
	},
	FamilyJavaScript: {
		regexp.MustCompile(`(?m)^\w*Error: `),
		regexp.MustCompile(`(?m)^\s+at .+:\d+:\d+\)?$`),
		regexp.MustCompile(`(?m)^Uncaught `),
	},
}

var nativeErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Segmentation fault`),
	regexp.MustCompile(`terminate called after throwing`),
	regexp.MustCompile(`stack smashing detected`),
	regexp.MustCompile(`double free or corruption`),
	regexp.MustCompile(`AddressSanitizer`),
	regexp.MustCompile(`core dumped`),
	regexp.MustCompile(`Floating point exception`),
}

// ErrorPatterns returns the runtime error table of a family.
func ErrorPatterns(f Family) []*regexp.Regexp {
	return errorPatterns[f]
}

// lineMap translates composite source lines back to user lines. Entries are
// zero for lines the user did not write.
type lineMap []int

func (m lineMap) user(composite int) (int, bool) {
	if composite < 1 || composite > len(m) || m[composite-1] == 0 {
		return 0, false
	}
	return m[composite-1], true
}

// diagnostics rewrites toolchain and runtime messages so they refer to the
// user's file and line numbers instead of the composite in the workspace.
type diagnostics struct {
	dir     string
	srcName string
	lines   lineMap
	ref     *regexp.Regexp
}

func newDiagnostics(dir, srcName string, lines lineMap) *diagnostics {
	name := regexp.QuoteMeta(srcName)
	return &diagnostics{
		dir:     strings.TrimSuffix(dir, "/") + "/",
		srcName: srcName,
		lines:   lines,
		// main.c:12:5, File "main.py", line 12, Main.java:12, Program.cs(12,5), main.js:12
		ref: regexp.MustCompile(name + `("?, line |:|\()(\d+)`),
	}
}

// Rewrite is safe to call on partial chunks of a stream.
func (d *diagnostics) Rewrite(s string) string {
	if d == nil || s == "" {
		return s
	}
	s = strings.ReplaceAll(s, d.dir, "")
	if len(d.lines) == 0 {
		return s
	}
	return d.ref.ReplaceAllStringFunc(s, func(m string) string {
		sub := d.ref.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[2])
		if err != nil {
			return m
		}
		if u, ok := d.lines.user(n); ok {
			return d.srcName + sub[1] + strconv.Itoa(u)
		}
		return m
	})
}
