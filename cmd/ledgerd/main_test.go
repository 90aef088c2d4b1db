package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContainsWildcard(t *testing.T) {
	if !containsWildcard([]string{"http://a", " * "}) {
		t.Error("expected wildcard")
	}
	if containsWildcard([]string{"http://a"}) {
		t.Error("unexpected wildcard")
	}
}

func TestSetLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := setLevel(level, "debug"); err != nil {
		t.Fatal(err)
	}
	if level.Level() != zapcore.DebugLevel {
		t.Errorf("level: got %v", level.Level())
	}
	if err := setLevel(level, "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if level.Level() != zapcore.DebugLevel {
		t.Error("invalid level must leave the current level in place")
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	if v.GetDuration("auditor.interval") != 5*time.Minute {
		t.Errorf("auditor.interval: got %v", v.GetDuration("auditor.interval"))
	}
	if !v.GetBool("query.verify_default") || v.GetString("nats.subject") != "audit.ledger.appended" {
		t.Error("unexpected query/nats defaults")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := openStore(ctx, "memory", zap.NewNop())
	if err != nil || s == nil {
		t.Fatalf("memory store: %v", err)
	}
	closeFn()

	viper.Set("sqlite.path", filepath.Join(t.TempDir(), "sub", "ledger.db"))
	s, closeFn, err = openStore(ctx, "sqlite", zap.NewNop())
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if tail, err := s.GetTail(ctx); err != nil || tail != nil {
		t.Errorf("new sqlite store tail: %v %v", tail, err)
	}
	closeFn()

	if _, _, err := openStore(ctx, "mongodb", zap.NewNop()); err == nil {
		t.Error("expected error for unknown storage")
	}
}
