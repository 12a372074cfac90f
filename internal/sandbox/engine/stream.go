package engine

import (
	"strings"
	"unicode/utf8"
)

// segment is either plain text or one occurrence of a marker.
type segment struct {
	text   string
	marker bool
}

// markerSplitter finds a marker token in a byte stream whose reads may cut the
// token in half. Text that could be the start of a marker is held back until
// the next chunk decides it.
type markerSplitter struct {
	marker string
	carry  string
}

func (m *markerSplitter) feed(chunk string) []segment {
	data := m.carry + chunk
	m.carry = ""
	if m.marker == "" {
		if data == "" {
			return nil
		}
		return []segment{{text: data}}
	}

	var out []segment
	for {
		i := strings.Index(data, m.marker)
		if i < 0 {
			break
		}
		if i > 0 {
			out = append(out, segment{text: data[:i]})
		}
		out = append(out, segment{marker: true})
		data = data[i+len(m.marker):]
	}
	keep := partialSuffix(data, m.marker)
	if len(data) > keep {
		out = append(out, segment{text: data[:len(data)-keep]})
	}
	m.carry = data[len(data)-keep:]
	return out
}

// flush releases any held-back text at end of stream.
func (m *markerSplitter) flush() []segment {
	if m.carry == "" {
		return nil
	}
	out := []segment{{text: m.carry}}
	m.carry = ""
	return out
}

// partialSuffix returns the length of the longest suffix of data that is a
// proper prefix of marker.
func partialSuffix(data, marker string) int {
	n := len(marker) - 1
	if len(data) < n {
		n = len(data)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(data, marker[:k]) {
			return k
		}
	}
	return 0
}

// splitUTF8 cuts b before a trailing incomplete rune.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

// cutLines returns the prefix of text holding at most n newlines, ending just
// after the n-th one.
func cutLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	idx := 0
	for i := 0; i < n; i++ {
		j := strings.IndexByte(text[idx:], '\n')
		if j < 0 {
			return text
		}
		idx += j + 1
	}
	return text[:idx]
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) write(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
