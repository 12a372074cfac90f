package language

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	DefaultCompileTimeout = 30 * time.Second
	DefaultMaxSourceBytes = 256 * 1024
)

// PipelineConfig bounds the preparation step.
type PipelineConfig struct {
	CompileTimeout time.Duration
	MaxIterations  int
	MaxSourceBytes int
}

// Pipeline prepares user code for execution.
type Pipeline struct {
	registry *Registry
	cfg      PipelineConfig
}

// Program is user code ready to run in its workspace.
type Program struct {
	Spec       Spec
	SourceFile string
	Composite  string
	Run        engine.Command
	// Compile is how long the toolchain (or syntax check) took.
	Compile time.Duration
}

func NewPipeline(registry *Registry, cfg PipelineConfig) *Pipeline {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultMaxSourceBytes
	}
	return &Pipeline{registry: registry, cfg: cfg}
}

// Registry returns the language registry backing the pipeline.
func (p *Pipeline) Registry() *Registry { return p.registry }

// MaxIterations is the loop ceiling compiled into every shim.
func (p *Pipeline) MaxIterations() int { return p.cfg.MaxIterations }

// Prepare resolves the language, writes the instrumented source into ws and
// runs the toolchain. A failed build is reported as a CompilationError whose
// message is the normalised compiler output.
func (p *Pipeline) Prepare(ctx context.Context, ws *workspace.Workspace, tag, code string) (*Program, error) {
	spec, err := p.registry.Resolve(tag)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, appErr.ValidationError("code", "required")
	}
	if len(code) > p.cfg.MaxSourceBytes {
		return nil, appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", p.cfg.MaxSourceBytes)
	}

	src, err := compose(spec, code, p.cfg.MaxIterations)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "render %s shim failed", spec.ID)
	}
	vars := map[string]string{
		"{dir}":      ws.Dir,
		"{class}":    src.class,
		"{main}":     src.main,
		"{launcher}": src.launcher,
	}
	srcName := expand(spec.SourceFile, vars, false)
	vars["{src}"] = ws.Path(srcName)
	vars["{bin}"] = ws.Path(spec.BinaryFile)

	for name, content := range spec.Scaffold {
		if err := ws.WriteFile(name, []byte(content)); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceError, "write %s failed", name)
		}
	}
	if err := ws.WriteFile(srcName, []byte(src.text)); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "write %s failed", srcName)
	}

	diag := newDiagnostics(ws.Dir, path.Base(srcName), src.lines)
	env := append(os.Environ(), spec.Env...)
	prog := &Program{Spec: spec, SourceFile: srcName, Composite: src.text}

	if spec.CompileCmdTpl != "" {
		cmd, err := buildCommand(spec.CompileCmdTpl, vars, ws.Dir, env)
		if err != nil {
			return nil, err
		}
		res, err := engine.RunOnce(ctx, cmd, p.cfg.CompileTimeout)
		prog.Compile = res.Duration
		if err != nil {
			return nil, err
		}
		if res.TimedOut {
			logger.Warn(ctx, "compilation timed out", zap.String("language", spec.ID), zap.Duration("timeout", p.cfg.CompileTimeout))
			return nil, appErr.CompileFailed(fmt.Sprintf("Compilation timed out after %s", p.cfg.CompileTimeout), res.ExitCode)
		}
		if res.ExitCode != 0 {
			out := strings.TrimSpace(diag.Rewrite(res.Output))
			if out == "" {
				out = fmt.Sprintf("Compiler exited with code %d", res.ExitCode)
			}
			return nil, appErr.CompileFailed(out, res.ExitCode)
		}
		logger.Debug(ctx, "compilation finished", zap.String("language", spec.ID), zap.Duration("duration", res.Duration))
	}

	run, err := buildCommand(spec.RunCmdTpl, vars, ws.Dir, env)
	if err != nil {
		return nil, err
	}
	run.ErrorPatterns = ErrorPatterns(spec.Family)
	run.Rewrite = diag.Rewrite
	prog.Run = run
	return prog, nil
}

// unit is the composite source of one program.
type unit struct {
	text     string
	lines    lineMap
	class    string
	main     string
	launcher string
}

// compose splits code into declarations and body, instruments the body's
// loops and places the shim between them. C# puts the shim after the body
// because top-level statements must precede type declarations.
func compose(spec Spec, code string, maxIterations int) (unit, error) {
	u := unit{class: "Main", main: "Main", launcher: "RunboxLauncher"}
	code = strings.ReplaceAll(code, "\r\n", "\n")
	if spec.Family == FamilyPlain || spec.Family == "" {
		u.text = code
		u.lines = identityMap(strings.Count(code, "\n") + 1)
		return u, nil
	}

	shim, err := renderShim(spec.Family, maxIterations)
	if err != nil {
		return u, err
	}
	decls, body := splitSource(spec.Family, code)
	bodyText := instrument(spec.Family, joinLines(body))
	for i, line := range strings.Split(bodyText, "\n") {
		if i < len(body) {
			body[i].text = line
		}
	}

	if spec.Family == FamilyJava {
		u.class, u.main = javaMainClass(joinLines(body))
		if pkg := javaPackage(joinLines(decls)); pkg != "" {
			u.main = pkg + "." + u.main
			u.launcher = pkg + "." + u.launcher
		}
	}

	var b strings.Builder
	var lines lineMap
	emit := func(src []sourceLine) {
		for _, l := range src {
			b.WriteString(l.text)
			b.WriteByte('\n')
			lines = append(lines, l.no)
		}
	}
	emitShim := func() {
		for _, l := range strings.Split(shim, "\n") {
			b.WriteString(l)
			b.WriteByte('\n')
			lines = append(lines, 0)
		}
	}
	emit(decls)
	if spec.Family == FamilyCSharp {
		emit(body)
		emitShim()
	} else {
		emitShim()
		emit(body)
	}
	u.text = b.String()
	u.lines = lines
	return u, nil
}

func instrument(f Family, body string) string {
	switch f {
	case FamilyPython:
		return instrumentPython(body, pythonTick, pythonIter)
	case FamilyC:
		return instrumentCLike(body, tickCall[f], cLexOptions)
	case FamilyCPP:
		return instrumentCLike(stdioUnqualifier.Replace(body), tickCall[f], cLexOptions)
	case FamilyJava:
		return instrumentCLike(body, tickCall[f], javaLexOptions)
	case FamilyCSharp:
		return instrumentCLike(body, tickCall[f], csharpLexOptions)
	case FamilyJavaScript:
		return instrumentCLike(body, tickCall[f], jsLexOptions)
	}
	return body
}

// stdioUnqualifier lets the shim's stdio macros see qualified calls.
var stdioUnqualifier = strings.NewReplacer(
	"std::scanf(", "scanf(",
	"std::getchar(", "getchar(",
	"std::fgets(", "fgets(",
)

func identityMap(n int) lineMap {
	m := make(lineMap, n)
	for i := range m {
		m[i] = i + 1
	}
	return m
}

// expand substitutes placeholders; quoted values survive shlex splitting.
func expand(tpl string, vars map[string]string, quote bool) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		if quote {
			v = "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
		}
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

func buildCommand(tpl string, vars map[string]string, dir string, env []string) (engine.Command, error) {
	argv, err := shlex.Split(expand(tpl, vars, true))
	if err != nil {
		return engine.Command{}, appErr.Wrapf(err, appErr.SandboxSystemError, "parse command template %q failed", tpl)
	}
	if len(argv) == 0 {
		return engine.Command{}, appErr.Newf(appErr.SandboxSystemError, "empty command template")
	}
	return engine.Command{Path: argv[0], Args: argv[1:], Dir: dir, Env: env}, nil
}
