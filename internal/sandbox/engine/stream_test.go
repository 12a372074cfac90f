package engine

import (
	"strings"
	"testing"
)

func collect(segs []segment) (text string, markers int) {
	var b strings.Builder
	for _, s := range segs {
		if s.marker {
			markers++
			b.WriteString("|M|")
			continue
		}
		b.WriteString(s.text)
	}
	return b.String(), markers
}

func TestMarkerSplitter(t *testing.T) {
	cases := []struct {
		name    string
		marker  string
		chunks  []string
		want    string
		markers int
	}{
		{name: "no marker", marker: "<<IN>>", chunks: []string{"hello ", "world\n"}, want: "hello world\n"},
		{name: "whole marker", marker: "<<IN>>", chunks: []string{"name? <<IN>>"}, want: "name? |M|", markers: 1},
		{name: "split marker", marker: "<<IN>>", chunks: []string{"a<<", "I", "N>>b"}, want: "a|M|b", markers: 1},
		{name: "false prefix", marker: "<<IN>>", chunks: []string{"x<<", "z"}, want: "x<<z"},
		{name: "prefix at eof", marker: "<<IN>>", chunks: []string{"tail<<I"}, want: "tail<<I"},
		{name: "two markers", marker: "##", chunks: []string{"a##b#", "#c"}, want: "a|M|b|M|c", markers: 2},
		{name: "empty marker", marker: "", chunks: []string{"plain", ""}, want: "plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &markerSplitter{marker: tc.marker}
			var all []segment
			for _, c := range tc.chunks {
				all = append(all, m.feed(c)...)
			}
			all = append(all, m.flush()...)
			got, markers := collect(all)
			if got != tc.want || markers != tc.markers {
				t.Fatalf("got %q (%d markers), want %q (%d markers)", got, markers, tc.want, tc.markers)
			}
		})
	}
}

func TestSplitUTF8(t *testing.T) {
	full := []byte("héllo")
	cut := full[:2] // 'h' plus the first byte of 'é'
	complete, rest := splitUTF8(cut)
	if string(complete) != "h" || len(rest) != 1 {
		t.Fatalf("got complete=%q rest=%v", complete, rest)
	}
	complete, rest = splitUTF8(full)
	if string(complete) != "héllo" || rest != nil {
		t.Fatalf("got complete=%q rest=%v", complete, rest)
	}
}

func TestCutLines(t *testing.T) {
	cases := []struct {
		text string
		n    int
		want string
	}{
		{"a\nb\nc\n", 2, "a\nb\n"},
		{"a\nb\nc", 0, ""},
		{"a\nb", 5, "a\nb"},
		{"\n\n\n", 1, "\n"},
	}
	for _, tc := range cases {
		if got := cutLines(tc.text, tc.n); got != tc.want {
			t.Errorf("cutLines(%q, %d) = %q, want %q", tc.text, tc.n, got, tc.want)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	tb := tailBuffer{max: 5}
	tb.write("abc")
	tb.write("defg")
	if got := tb.String(); got != "cdefg" {
		t.Fatalf("got %q", got)
	}
}
