package language

import (
	"regexp"
	"strings"
)

// sourceLine is one line of user code with its 1-based line number.
type sourceLine struct {
	no   int
	text string
}

var declarationPatterns = map[Family][]*regexp.Regexp{
	FamilyC: {
		regexp.MustCompile(`^\s*#\s*include\b`),
	},
	FamilyCPP: {
		regexp.MustCompile(`^\s*#\s*include\b`),
	},
	FamilyJava: {
		regexp.MustCompile(`^\s*package\s+[\w.]+\s*;`),
		regexp.MustCompile(`^\s*import\s+(static\s+)?[\w.*]+\s*;`),
	},
	FamilyCSharp: {
		regexp.MustCompile(`^(global\s+)?using\s+(static\s+)?[\w.]+\s*;`),
		regexp.MustCompile(`^(global\s+)?using\s+\w+\s*=\s*[\w.<>, ]+;`),
		regexp.MustCompile(`^namespace\s+[\w.]+\s*;`),
	},
	FamilyPython: {
		regexp.MustCompile(`^import\s`),
		regexp.MustCompile(`^from\s+[\w.]+\s+import\s`),
	},
	FamilyJavaScript: {
		regexp.MustCompile(`^\s*['"]use strict['"]\s*;?\s*$`),
		regexp.MustCompile(`^import\s`),
	},
}

// splitSource separates declaration lines (includes, imports, usings,
// package clauses) from the body. Python imports that open a parenthesised
// list keep their continuation lines.
func splitSource(family Family, src string) (decls, body []sourceLine) {
	patterns := declarationPatterns[family]
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	continuing := 0
	for i, text := range lines {
		ln := sourceLine{no: i + 1, text: text}
		if continuing > 0 {
			decls = append(decls, ln)
			continuing += strings.Count(text, "(") - strings.Count(text, ")")
			continue
		}
		if matchesAny(patterns, text) {
			decls = append(decls, ln)
			if family == FamilyPython {
				continuing = strings.Count(text, "(") - strings.Count(text, ")")
			}
			continue
		}
		body = append(body, ln)
	}
	return decls, body
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func joinLines(lines []sourceLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.text
	}
	return strings.Join(parts, "\n")
}

var javaPackagePattern = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)\s*;`)

// javaMainClass finds the type declaring main. It returns the outermost type
// (which names the source file) and the binary name of the declaring type.
// Both fall back to Main.
func javaMainClass(body string) (outer, binary string) {
	type frame struct {
		name  string
		depth int
	}
	var (
		stack   []frame
		pending string
		depth   int
	)
	opt := javaLexOptions
	for i := 0; i < len(body); {
		if j := skipNonCode(body, i, opt); j > i {
			i = j
			continue
		}
		c := body[i]
		switch {
		case c == '{':
			depth++
			if pending != "" {
				stack = append(stack, frame{name: pending, depth: depth})
				pending = ""
			}
			i++
		case c == '}':
			if len(stack) > 0 && stack[len(stack)-1].depth == depth {
				stack = stack[:len(stack)-1]
			}
			depth--
			i++
		case isIdentStart(c) && (i == 0 || !isIdentByte(body[i-1])):
			j := identEnd(body, i)
			word := body[i:j]
			switch word {
			case "class", "interface", "enum", "record":
				k := skipSpace(body, j)
				if k < len(body) && isIdentStart(body[k]) {
					e := identEnd(body, k)
					pending = body[k:e]
					j = e
				}
			case "main":
				if len(stack) > 0 && isMainDecl(body[:i], body[j:]) {
					names := make([]string, len(stack))
					for n, f := range stack {
						names[n] = f.name
					}
					return stack[0].name, strings.Join(names, "$")
				}
			}
			i = j
		default:
			i++
		}
	}
	return "Main", "Main"
}

var (
	mainPrefixPattern = regexp.MustCompile(`\bstatic\s+(?:final\s+)?void\s+$`)
	mainSuffixPattern = regexp.MustCompile(`^\s*\(`)
)

func isMainDecl(before, after string) bool {
	if len(before) > 64 {
		before = before[len(before)-64:]
	}
	return mainPrefixPattern.MatchString(before) && mainSuffixPattern.MatchString(after)
}

// javaPackage returns the package clause of the declarations, if any.
func javaPackage(decls string) string {
	m := javaPackagePattern.FindStringSubmatch(decls)
	if m == nil {
		return ""
	}
	return m[1]
}
