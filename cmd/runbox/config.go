package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/mq"
	"runbox/internal/sandbox/admission"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/language"
	"runbox/internal/session"
	"runbox/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath      = "configs/runbox.yaml"
	configEnv              = "RUNBOX_CONFIG"
	defaultHTTPAddr        = "0.0.0.0:5000"
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultExecutionTopic  = "runbox.executions"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// SandboxConfig holds execution limits.
type SandboxConfig struct {
	WorkRoot       string        `yaml:"workRoot"`
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	MaxQueue       int           `yaml:"maxQueue"`
	Timeout        time.Duration `yaml:"timeout"`
	CompileTimeout time.Duration `yaml:"compileTimeout"`
	MaxOutputLines int           `yaml:"maxOutputLines"`
	MaxIterations  int           `yaml:"maxIterations"`
	MaxSourceBytes int           `yaml:"maxSourceBytes"`
	KillGrace      time.Duration `yaml:"killGrace"`
	CPUTimeLimit   time.Duration `yaml:"cpuTimeLimit"`
	// Pointers distinguish an explicit false from an unset value.
	StderrPatternDetection     *bool `yaml:"stderrPatternDetection"`
	CloseSessionOnRuntimeError *bool `yaml:"closeSessionOnRuntimeError"`
}

// SessionConfig holds connection settings.
type SessionConfig struct {
	MaxMessageBytes  int64         `yaml:"maxMessageBytes"`
	SendBuffer       int           `yaml:"sendBuffer"`
	InputQueue       int           `yaml:"inputQueue"`
	RunsPerMinute    int           `yaml:"runsPerMinute"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	MissedHeartbeats int           `yaml:"missedHeartbeats"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
}

// KafkaConfig holds audit publishing settings. Publishing is off without brokers.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`
	Topic          string `yaml:"topic"`
}

// AppConfig holds runbox config.
type AppConfig struct {
	Server    ServerConfig            `yaml:"server"`
	Logger    logger.Config           `yaml:"logger"`
	Sandbox   SandboxConfig           `yaml:"sandbox"`
	Session   SessionConfig           `yaml:"session"`
	RateLimit session.RateLimitConfig `yaml:"rateLimit"`
	Redis     cache.RedisConfig       `yaml:"redis"`
	Kafka     KafkaConfig             `yaml:"kafka"`
	Languages []language.Spec         `yaml:"languages"`
}

// configPath resolves the config file: the flag wins over RUNBOX_CONFIG.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadDotEnv loads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env failed: %w", err)
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	// ${VAR} references are filled from the environment, including .env.
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path, or runs on defaults alone when path is the
// default location and does not exist.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		if !(path == defaultConfigPath && errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	sb := &cfg.Sandbox
	if sb.WorkRoot == "" {
		sb.WorkRoot = filepath.Join(os.TempDir(), "runbox")
	}
	if sb.MaxConcurrent <= 0 {
		sb.MaxConcurrent = admission.DefaultCapacity
	}
	if sb.MaxQueue <= 0 {
		sb.MaxQueue = admission.DefaultMaxQueue
	}
	if sb.Timeout <= 0 {
		sb.Timeout = engine.DefaultWallTimeout
	}
	if sb.CompileTimeout <= 0 {
		sb.CompileTimeout = language.DefaultCompileTimeout
	}
	if sb.MaxOutputLines <= 0 {
		sb.MaxOutputLines = engine.DefaultMaxOutputLines
	}
	if sb.MaxIterations <= 0 {
		sb.MaxIterations = language.DefaultMaxIterations
	}
	if sb.MaxSourceBytes <= 0 {
		sb.MaxSourceBytes = language.DefaultMaxSourceBytes
	}
	if sb.KillGrace <= 0 {
		sb.KillGrace = engine.DefaultKillGrace
	}
	if sb.CPUTimeLimit < 0 {
		return fmt.Errorf("sandbox.cpuTimeLimit must not be negative")
	}
	if sb.StderrPatternDetection == nil {
		sb.StderrPatternDetection = boolPtr(true)
	}
	if sb.CloseSessionOnRuntimeError == nil {
		sb.CloseSessionOnRuntimeError = boolPtr(true)
	}

	ss := &cfg.Session
	if ss.MaxMessageBytes <= 0 {
		ss.MaxMessageBytes = session.DefaultMaxMessageBytes
	}
	if ss.SendBuffer <= 0 {
		ss.SendBuffer = session.DefaultSendBuffer
	}
	if ss.InputQueue <= 0 {
		ss.InputQueue = session.DefaultInputQueue
	}
	if ss.PingInterval <= 0 {
		ss.PingInterval = session.DefaultPingInterval
	}
	if ss.MissedHeartbeats <= 0 {
		ss.MissedHeartbeats = session.DefaultMissedHeartbeats
	}
	if ss.SweepInterval <= 0 {
		ss.SweepInterval = session.DefaultSweepInterval
	}

	if cfg.RateLimit.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when rateLimit is enabled")
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.RedisTimeout <= 0 {
		cfg.RateLimit.RedisTimeout = 200 * time.Millisecond
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultExecutionTopic
	}
	for i, l := range cfg.Languages {
		if l.ID == "" {
			return fmt.Errorf("languages[%d]: id is required", i)
		}
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		WallTimeout:     s.Timeout,
		MaxOutputLines:  s.MaxOutputLines,
		KillGrace:       s.KillGrace,
		CPUTimeLimit:    s.CPUTimeLimit,
		InputMarker:     language.InputMarker,
		IterationMarker: language.IterationMarker,
		DetectErrors:    *s.StderrPatternDetection,
	}
}

func (s SandboxConfig) toPipelineConfig() language.PipelineConfig {
	return language.PipelineConfig{
		CompileTimeout: s.CompileTimeout,
		MaxIterations:  s.MaxIterations,
		MaxSourceBytes: s.MaxSourceBytes,
	}
}

func (s SessionConfig) toTransportConfig(origins []string) session.TransportConfig {
	return session.TransportConfig{
		MaxMessageBytes: s.MaxMessageBytes,
		SendBuffer:      s.SendBuffer,
		AllowedOrigins:  origins,
	}
}

func (s SessionConfig) toSessionConfig() session.Config {
	return session.Config{InputQueue: s.InputQueue, RunsPerMinute: s.RunsPerMinute}
}

func (s SessionConfig) toMonitorConfig() session.MonitorConfig {
	return session.MonitorConfig{
		PingInterval:     s.PingInterval,
		MissedHeartbeats: s.MissedHeartbeats,
		SweepInterval:    s.SweepInterval,
	}
}
