// Package language turns user source into a runnable program: it injects the
// interactive-input and iteration-limit shims, writes the workspace files and
// runs the toolchain.
package language

import "strings"

// Family selects the shim, instrumentation and diagnostics for a language.
type Family string

const (
	FamilyC          Family = "c"
	FamilyCPP        Family = "cpp"
	FamilyJava       Family = "java"
	FamilyCSharp     Family = "csharp"
	FamilyPython     Family = "python"
	FamilyJavaScript Family = "javascript"
	// FamilyPlain runs source untouched; no shim and no error patterns.
	FamilyPlain Family = "plain"
)

// Spec defines how to compile and run a language. Command templates accept
// {src}, {bin}, {dir}, {class}, {main} and {launcher}.
type Spec struct {
	ID            string            `yaml:"id" json:"id"`
	Name          string            `yaml:"name" json:"name"`
	Version       string            `yaml:"version" json:"version,omitempty"`
	Aliases       []string          `yaml:"aliases" json:"aliases,omitempty"`
	Family        Family            `yaml:"family" json:"family"`
	Compiled      bool              `yaml:"compiled" json:"compiled"`
	SourceFile    string            `yaml:"sourceFile" json:"-"`
	BinaryFile    string            `yaml:"binaryFile" json:"-"`
	CompileCmdTpl string            `yaml:"compileCmdTpl" json:"-"`
	RunCmdTpl     string            `yaml:"runCmdTpl" json:"-"`
	Env           []string          `yaml:"env" json:"-"`
	Scaffold      map[string]string `yaml:"scaffold" json:"-"`
}

// merge overlays the non-empty fields of o onto s.
func (s Spec) merge(o Spec) Spec {
	if o.Name != "" {
		s.Name = o.Name
	}
	if o.Version != "" {
		s.Version = o.Version
	}
	if len(o.Aliases) > 0 {
		s.Aliases = o.Aliases
	}
	if o.Family != "" {
		s.Family = o.Family
	}
	if o.Compiled {
		s.Compiled = true
	}
	if o.SourceFile != "" {
		s.SourceFile = o.SourceFile
	}
	if o.BinaryFile != "" {
		s.BinaryFile = o.BinaryFile
	}
	if o.CompileCmdTpl != "" {
		s.CompileCmdTpl = o.CompileCmdTpl
	}
	if o.RunCmdTpl != "" {
		s.RunCmdTpl = o.RunCmdTpl
	}
	if len(o.Env) > 0 {
		s.Env = append(append([]string(nil), s.Env...), o.Env...)
	}
	if len(o.Scaffold) > 0 {
		s.Scaffold = o.Scaffold
	}
	return s
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
