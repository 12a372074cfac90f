package engine

import (
	"regexp"
	"time"
)

const (
	DefaultWallTimeout          = 60 * time.Second
	DefaultMaxOutputLines       = 2000
	DefaultKillGrace            = 500 * time.Millisecond
	DefaultErrorGrace           = 200 * time.Millisecond
	DefaultDrainTimeout         = 2 * time.Second
	defaultReadBuffer           = 4096
	maxErrorBytes               = 64 * 1024
	maxCaptureBytes       int64 = 64 * 1024
)

// Config controls supervisor limits. Zero values fall back to the defaults
// except CPUTimeLimit, where zero disables the rlimit.
type Config struct {
	WallTimeout    time.Duration
	MaxOutputLines int
	KillGrace      time.Duration
	ErrorGrace     time.Duration
	DrainTimeout   time.Duration
	CPUTimeLimit   time.Duration
	ReadBufferSize int
	// InputMarker on stdout is replaced by an input request.
	InputMarker string
	// IterationMarker on stderr means the program hit its loop ceiling.
	IterationMarker string
	// DetectErrors enables stderr pattern matching.
	DetectErrors bool
}

func (c Config) withDefaults() Config {
	if c.WallTimeout <= 0 {
		c.WallTimeout = DefaultWallTimeout
	}
	if c.MaxOutputLines <= 0 {
		c.MaxOutputLines = DefaultMaxOutputLines
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.ErrorGrace <= 0 {
		c.ErrorGrace = DefaultErrorGrace
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	return c
}

// Command describes one process to supervise.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// ErrorPatterns are matched against stderr text.
	ErrorPatterns []*regexp.Regexp
	// Rewrite normalises diagnostics before they reach the client.
	Rewrite func(string) string
}
