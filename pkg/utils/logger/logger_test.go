package logger

import (
	"context"
	"path/filepath"
	"testing"

	"runbox/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreLifted(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := globalLogger
	SetGlobal(NewFromZap(zap.New(core)))
	defer SetGlobal(prev)

	ctx := context.WithValue(context.Background(), contextkey.SessionID, "s-1")
	ctx = context.WithValue(ctx, contextkey.ExecutionID, "s-1-3")
	Info(ctx, "run started", zap.String("language", "python"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["session_id"] != "s-1" {
		t.Fatalf("session_id missing: %v", fields)
	}
	if fields["execution_id"] != "s-1-3" {
		t.Fatalf("execution_id missing: %v", fields)
	}
	if fields["language"] != "python" {
		t.Fatalf("language missing: %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("unexpected trace_id: %v", fields)
	}
}

func TestNilGlobalIsSafe(t *testing.T) {
	prev := globalLogger
	SetGlobal(nil)
	defer SetGlobal(prev)

	Info(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "json file", cfg: Config{Level: "info", Format: "json", OutputPath: filepath.Join(dir, "out.log"), ErrorPath: filepath.Join(dir, "err.log")}},
		{name: "console defaults", cfg: Config{Level: "debug"}},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad path", cfg: Config{Level: "info", OutputPath: filepath.Join(dir, "missing", "out.log")}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := NewLogger(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			l.WithContext(context.Background()).Info("hello")
		})
	}
}
