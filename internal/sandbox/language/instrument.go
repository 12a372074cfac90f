package language

import "strings"

// lexOptions enables the string forms a C-like language has beyond "..." and '...'.
type lexOptions struct {
	backtick    bool // JavaScript template literals
	tripleQuote bool // Java text blocks, C# raw strings
	verbatim    bool // C# @"..." strings
	// bodyTick moves the tick of constant-true loops into the loop body so
	// reachability analysis still sees an infinite loop.
	bodyTick bool
}

var (
	cLexOptions      = lexOptions{}
	javaLexOptions   = lexOptions{tripleQuote: true, bodyTick: true}
	csharpLexOptions = lexOptions{tripleQuote: true, verbatim: true, bodyTick: true}
	jsLexOptions     = lexOptions{backtick: true}
)

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func identEnd(src string, i int) int {
	for i < len(src) && isIdentByte(src[i]) {
		i++
	}
	return i
}

func skipSpace(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}

// skipNonCode returns the index just past the comment or literal starting at
// i, or i itself when code starts there. Unterminated constructs run to the
// end of src.
func skipNonCode(src string, i int, opt lexOptions) int {
	n := len(src)
	if i >= n {
		return i
	}
	c := src[i]
	switch {
	case c == '/' && i+1 < n && src[i+1] == '/':
		if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
			return i + j
		}
		return n
	case c == '/' && i+1 < n && src[i+1] == '*':
		if j := strings.Index(src[i+2:], "*/"); j >= 0 {
			return i + 2 + j + 2
		}
		return n
	case opt.tripleQuote && strings.HasPrefix(src[i:], `"""`):
		if j := strings.Index(src[i+3:], `"""`); j >= 0 {
			return i + 3 + j + 3
		}
		return n
	case opt.verbatim && c == '@' && i+1 < n && src[i+1] == '"':
		for j := i + 2; j < n; j++ {
			if src[j] == '"' {
				if j+1 < n && src[j+1] == '"' {
					j++
					continue
				}
				return j + 1
			}
		}
		return n
	case c == '"' || c == '\'' || (opt.backtick && c == '`'):
		for j := i + 1; j < n; j++ {
			switch src[j] {
			case '\\':
				j++
			case c:
				return j + 1
			case '\n':
				if c != '`' {
					return j
				}
			}
		}
		return n
	}
	return i
}

// matchParen returns the index of the ')' closing the '(' at open, or -1.
func matchParen(src string, open int, opt lexOptions) int {
	return matchBracket(src, open, '(', ')', opt)
}

func matchBracket(src string, open int, left, right byte, opt lexOptions) int {
	depth := 0
	for i := open; i < len(src); {
		if j := skipNonCode(src, i, opt); j > i {
			i = j
			continue
		}
		switch src[i] {
		case left:
			depth++
		case right:
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// splitTopLevel splits s at sep characters that sit outside brackets and literals.
func splitTopLevel(s string, sep byte, opt lexOptions) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(s); {
		if j := skipNonCode(s, i, opt); j > i {
			i = j
			continue
		}
		switch c := s[i]; {
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
		i++
	}
	return append(parts, s[last:])
}

// instrumentCLike threads tick into the condition of every while, do-while
// and three-clause for loop so each condition evaluation is counted. Range
// loops are left alone. Edits never add newlines, so line numbers hold.
//
// With bodyTick, constant-true loops keep their condition so the compiler's
// reachability analysis is unchanged; the tick goes into the body instead.
func instrumentCLike(src, tick string, opt lexOptions) string {
	var b strings.Builder
	b.Grow(len(src) + len(src)/8)
	for i := 0; i < len(src); {
		if j := skipNonCode(src, i, opt); j > i {
			b.WriteString(src[i:j])
			i = j
			continue
		}
		c := src[i]
		if !isIdentStart(c) || (i > 0 && isIdentByte(src[i-1])) || (i > 0 && src[i-1] == '.') {
			b.WriteByte(c)
			i++
			continue
		}
		j := identEnd(src, i)
		word := src[i:j]
		if word == "do" && opt.bodyTick {
			if brace := skipSpace(src, j); brace < len(src) && src[brace] == '{' && infiniteDoWhile(src, brace, opt) {
				b.WriteString(src[i : brace+1])
				b.WriteString(" " + tick + ";")
				i = brace + 1
				continue
			}
		}
		if word == "while" || word == "for" {
			k := skipSpace(src, j)
			if k < len(src) && src[k] == '(' {
				if end := matchParen(src, k, opt); end > 0 {
					if opt.bodyTick && infiniteLoop(word, src[k+1:end], opt) {
						switch next := skipSpace(src, end+1); {
						case next < len(src) && src[next] == '{':
							b.WriteString(src[i : next+1])
							b.WriteString(" " + tick + ";")
							i = next + 1
						case next < len(src) && src[next] != ';':
							// Braceless body.
							b.WriteString(src[i : end+1])
							b.WriteString(" if (" + tick + ")")
							i = end + 1
						default:
							// do-while tail or empty body; a ticking do
							// block has already been instrumented.
							b.WriteString(src[i : end+1])
							i = end + 1
						}
						continue
					}
					if header, ok := rewriteLoopHeader(word, src[k+1:end], tick, opt); ok {
						b.WriteString(src[i : k+1])
						b.WriteString(header)
						b.WriteByte(')')
						i = end + 1
						continue
					}
				}
			}
		}
		b.WriteString(word)
		i = j
	}
	return b.String()
}

// infiniteDoWhile reports whether the do block opening at brace ends in a
// constant-true while.
func infiniteDoWhile(src string, brace int, opt lexOptions) bool {
	closing := matchBracket(src, brace, '{', '}', opt)
	if closing < 0 {
		return false
	}
	k := skipSpace(src, closing+1)
	if !strings.HasPrefix(src[k:], "while") || isIdentByte(byteAt(src, k+5)) {
		return false
	}
	open := skipSpace(src, k+5)
	if byteAt(src, open) != '(' {
		return false
	}
	end := matchParen(src, open, opt)
	return end > 0 && infiniteLoop("while", src[open+1:end], opt)
}

func byteAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// infiniteLoop reports whether a loop header has a constant-true condition.
func infiniteLoop(keyword, inner string, opt lexOptions) bool {
	if keyword == "while" {
		return strings.TrimSpace(inner) == "true"
	}
	parts := splitTopLevel(inner, ';', opt)
	if len(parts) != 3 {
		return false
	}
	cond := strings.TrimSpace(parts[1])
	return cond == "" || cond == "true"
}

func rewriteLoopHeader(keyword, inner, tick string, opt lexOptions) (string, bool) {
	if keyword == "while" {
		if strings.TrimSpace(inner) == "" {
			return "", false
		}
		return tick + " && (" + inner + ")", true
	}
	parts := splitTopLevel(inner, ';', opt)
	if len(parts) != 3 {
		return "", false
	}
	cond := strings.TrimLeft(parts[1], " \t\r\n")
	lead := parts[1][:len(parts[1])-len(cond)]
	if strings.TrimSpace(cond) == "" {
		parts[1] = " " + tick + " " + parts[1]
	} else {
		parts[1] = lead + tick + " && (" + cond + ")"
	}
	return strings.Join(parts, ";"), true
}

// pyState carries lexical state across Python lines.
type pyState struct {
	triple string // open triple quote, if any
	depth  int    // open brackets
	cont   bool   // previous line ended with a backslash
}

func (st *pyState) clean() bool {
	return st.triple == "" && st.depth == 0 && !st.cont
}

// scan advances the state over one line.
func (st *pyState) scan(line string) {
	st.cont = false
	for i := 0; i < len(line); {
		if st.triple != "" {
			j := strings.Index(line[i:], st.triple)
			if j < 0 {
				return
			}
			i += j + 3
			st.triple = ""
			continue
		}
		c := line[i]
		switch {
		case c == '#':
			return
		case c == '"' || c == '\'':
			q := line[i : i+1]
			if strings.HasPrefix(line[i:], q+q+q) {
				st.triple = q + q + q
				i += 3
				continue
			}
			i = pySkipString(line, i)
			continue
		case c == '(' || c == '[' || c == '{':
			st.depth++
		case c == ')' || c == ']' || c == '}':
			if st.depth > 0 {
				st.depth--
			}
		case c == '\\' && i == len(line)-1:
			st.cont = true
		}
		i++
	}
}

func pySkipString(line string, i int) int {
	q := line[i]
	for j := i + 1; j < len(line); j++ {
		switch line[j] {
		case '\\':
			j++
		case q:
			return j + 1
		}
	}
	return len(line)
}

// pyTopLevel calls match for every byte offset of line outside literals and
// brackets, starting at from, and returns the first offset it accepts or -1.
func pyTopLevel(line string, from int, match func(i int) bool) int {
	depth := 0
	for i := from; i < len(line); {
		c := line[i]
		switch {
		case c == '#':
			return -1
		case c == '"' || c == '\'':
			i = pySkipString(line, i)
			continue
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		default:
			if depth == 0 && match(i) {
				return i
			}
		}
		i++
	}
	return -1
}

func pyBlockColon(line string, from int) int {
	return pyTopLevel(line, from, func(i int) bool {
		return line[i] == ':' && (i+1 >= len(line) || line[i+1] != '=')
	})
}

func pyKeywordAt(line string, i int, kw string) bool {
	if !strings.HasPrefix(line[i:], kw) {
		return false
	}
	if i > 0 && isIdentByte(line[i-1]) {
		return false
	}
	end := i + len(kw)
	return end >= len(line) || !isIdentByte(line[end])
}

// instrumentPython rewrites `while c:` to `while tick() and (c):` and
// `for x in it:` to `for x in iter(it):` on single-line loop headers.
func instrumentPython(src, tick, iter string) string {
	lines := strings.Split(src, "\n")
	st := &pyState{}
	for n, line := range lines {
		if st.clean() {
			lines[n] = rewritePythonLoop(line, tick, iter)
		}
		st.scan(line)
	}
	return strings.Join(lines, "\n")
}

func rewritePythonLoop(line, tick, iter string) string {
	stripped := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(stripped)]
	switch {
	case pyKeywordAt(stripped, 0, "while"):
		colon := pyBlockColon(stripped, len("while"))
		if colon < 0 {
			return line
		}
		cond := strings.TrimSpace(stripped[len("while"):colon])
		if cond == "" {
			return line
		}
		return indent + "while " + tick + "() and (" + cond + ")" + stripped[colon:]
	case pyKeywordAt(stripped, 0, "for"):
		in := pyTopLevel(stripped, len("for"), func(i int) bool { return pyKeywordAt(stripped, i, "in") })
		if in < 0 {
			return line
		}
		colon := pyBlockColon(stripped, in+2)
		if colon < 0 {
			return line
		}
		iterable := strings.TrimSpace(stripped[in+2 : colon])
		if iterable == "" {
			return line
		}
		return indent + stripped[:in+2] + " " + iter + "(" + iterable + ")" + stripped[colon:]
	}
	return line
}
