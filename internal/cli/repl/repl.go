package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"runbox/internal/cli/client"
	httpclient "runbox/internal/cli/http"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

// LineReader is the part of a readline instance the REPL uses.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// LanguageInfo mirrors the server's language listing.
type LanguageInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Compiled bool     `json:"compiled"`
}

var extensions = map[string]string{
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".java": "java",
	".cs":   "csharp",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
}

// LanguageForFile guesses the language tag from a file extension.
func LanguageForFile(path string) (string, bool) {
	lang, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Session holds REPL state.
type Session struct {
	api      *httpclient.Client
	render   *client.Renderer
	lines    LineReader
	language string
	conn     *client.Client
}

func New(api *httpclient.Client, render *client.Renderer, lines LineReader, language string) *Session {
	return &Session{api: api, render: render, lines: lines, language: language}
}

// Close ends the server session, if any.
func (s *Session) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) prompt() string {
	return fmt.Sprintf("runbox(%s)> ", s.language)
}

// Run reads commands until exit or EOF.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	s.render.Info("type 'help' for commands")
	for {
		s.lines.SetPrompt(s.prompt())
		line, err := s.lines.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		done, err := s.handle(ctx, line)
		if err != nil {
			s.render.Info("error: %v", err)
		}
		if done {
			return nil
		}
	}
}

func (s *Session) handle(ctx context.Context, line string) (bool, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return false, nil
	}
	switch tokens[0] {
	case "exit", "quit":
		return true, nil
	case "help":
		s.printHelp()
	case "lang":
		if len(tokens) < 2 {
			s.render.Info("language: %s", s.language)
			return false, nil
		}
		s.language = tokens[1]
	case "languages":
		return false, s.listLanguages(ctx)
	case "run":
		if len(tokens) < 2 {
			return false, errors.New("usage: run <file> [language]")
		}
		lang := ""
		if len(tokens) > 2 {
			lang = tokens[2]
		}
		_, err := s.RunFile(ctx, tokens[1], lang)
		return false, err
	case "code":
		code, err := s.readBlock()
		if err != nil {
			return false, err
		}
		_, err = s.RunCode(ctx, s.language, code)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %q, try 'help'", tokens[0])
	}
	return false, nil
}

// readBlock collects source lines until a line holding only ".".
func (s *Session) readBlock() (string, error) {
	var b strings.Builder
	s.lines.SetPrompt("... ")
	for {
		line, err := s.lines.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", errors.New("cancelled")
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		if strings.TrimSpace(line) == "." || errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// RunFile submits the file at path. An empty language is inferred from the
// extension, falling back to the session language.
func (s *Session) RunFile(ctx context.Context, path, language string) (client.Result, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return client.Result{}, fmt.Errorf("read source failed: %w", err)
	}
	if language == "" {
		if guessed, ok := LanguageForFile(path); ok {
			language = guessed
		} else {
			language = s.language
		}
	}
	return s.RunCode(ctx, language, string(code))
}

// RunCode runs code, answering input requests from the line reader. Ctrl-C
// stops the program instead of the REPL.
func (s *Session) RunCode(ctx context.Context, language, code string) (client.Result, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return client.Result{}, err
	}
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	start := time.Now()
	res, err := conn.Run(runCtx, language, code, &prompter{lines: s.lines})
	if err != nil || res.RuntimeError {
		// The server closes the session after a runtime error.
		s.Close()
	}
	if err == nil {
		s.render.Info("finished in %s", time.Since(start).Round(time.Millisecond))
	}
	return res, err
}

func (s *Session) connect(ctx context.Context) (*client.Client, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	url, err := s.api.WebsocketURL()
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(ctx, url, s.api.Timeout(), s.render)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) listLanguages(ctx context.Context) error {
	var langs []LanguageInfo
	if err := s.api.GetJSON(ctx, "/api/v1/sandbox/languages", &langs); err != nil {
		return err
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	for _, l := range langs {
		kind := "interpreted"
		if l.Compiled {
			kind = "compiled"
		}
		s.render.Info("%-12s %-14s %-12s %s", l.ID, l.Name, kind, strings.Join(l.Aliases, ", "))
	}
	return nil
}

func (s *Session) printHelp() {
	s.render.Info("commands:")
	s.render.Info("  run <file> [language]   run a source file")
	s.render.Info("  code                    enter source, finish with a line holding only '.'")
	s.render.Info("  lang [language]         show or set the default language")
	s.render.Info("  languages               list languages supported by the server")
	s.render.Info("  help | exit")
	s.render.Info("while a program runs, Ctrl-C stops it")
}

// prompter answers input requests with an empty prompt; the program has
// already printed its own.
type prompter struct {
	lines LineReader
}

func (p *prompter) ReadLine() (string, error) {
	p.lines.SetPrompt("")
	line, err := p.lines.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", client.ErrInterrupted
	}
	return line, err
}
