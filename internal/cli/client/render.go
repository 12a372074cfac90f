package client

import (
	"fmt"
	"io"
	"strings"

	"runbox/internal/sandbox/result"
	"runbox/internal/session"

	"github.com/fatih/color"
)

// Renderer prints server envelopes to a terminal.
type Renderer struct {
	out    io.Writer
	errOut io.Writer

	stderr *color.Color
	warn   *color.Color
	ok     *color.Color
	fail   *color.Color
	dim    *color.Color
}

func NewRenderer(out, errOut io.Writer, colored bool) *Renderer {
	r := &Renderer{
		out:    out,
		errOut: errOut,
		stderr: color.New(color.FgRed),
		warn:   color.New(color.FgYellow, color.Bold),
		ok:     color.New(color.FgGreen),
		fail:   color.New(color.FgRed, color.Bold),
		dim:    color.New(color.Faint),
	}
	for _, c := range []*color.Color{r.stderr, r.warn, r.ok, r.fail, r.dim} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Render prints msg. Pings and input requests print nothing.
func (r *Renderer) Render(msg session.Outbound) {
	switch msg.Type {
	case result.EventOutput:
		_, _ = io.WriteString(r.out, msg.Data)
	case result.EventErrorOutput:
		_, _ = r.stderr.Fprint(r.errOut, msg.Data)
	case result.EventWarning:
		_, _ = r.warn.Fprintln(r.errOut, trimNewline("warning: "+msg.Data))
	case result.EventSuccess:
		_, _ = r.ok.Fprintln(r.errOut, trimNewline(msg.Data))
	case result.EventCompilationError:
		_, _ = r.fail.Fprintln(r.errOut, "compilation error:")
		_, _ = fmt.Fprintln(r.errOut, trimNewline(msg.Message))
	case result.EventRuntimeError:
		_, _ = r.fail.Fprintln(r.errOut, "runtime error:")
		_, _ = fmt.Fprintln(r.errOut, trimNewline(msg.Message))
	case result.EventError:
		_, _ = r.fail.Fprintln(r.errOut, "error: "+msg.Message)
	case result.EventDisconnect:
		_, _ = r.dim.Fprintln(r.errOut, "disconnected: "+msg.Message)
	case result.EventExecutionComplete:
		code := 0
		if msg.ExitCode != nil {
			code = *msg.ExitCode
		}
		_, _ = r.dim.Fprintf(r.errOut, "[exit code %d]\n", code)
	}
}

// Info prints a client-side status line.
func (r *Renderer) Info(format string, args ...interface{}) {
	_, _ = r.dim.Fprintf(r.errOut, format+"\n", args...)
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\n")
}
