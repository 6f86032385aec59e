package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/ratelimit"
	"github.com/tbourn/voicegen-backend/internal/repo"
)

func TestNewQuotaCounter_DefaultsToDatabase(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}

	c, closeFn, err := newQuotaCounter(config.QuotaConfig{Backend: "db", Limit: 2, Window: time.Minute}, db)
	if err != nil {
		t.Fatalf("newQuotaCounter: %v", err)
	}
	defer closeFn()
	if _, ok := c.(*ratelimit.GormCounter); !ok {
		t.Fatalf("counter type %T", c)
	}
	d, err := c.Allow(context.Background(), ratelimit.Key("u1", "POST /tasks/speech"))
	if err != nil || !d.Allowed {
		t.Fatalf("first request refused: %+v %v", d, err)
	}
}

func TestNewQuotaCounter_Errors(t *testing.T) {
	if _, _, err := newQuotaCounter(config.QuotaConfig{Backend: "db", Limit: 0, Window: time.Minute}, nil); err == nil {
		t.Fatal("expected window validation error")
	}
	// Nothing listens on this port; the ping fails.
	cfg := config.QuotaConfig{Backend: "redis", Limit: 5, Window: time.Minute, RedisAddr: "127.0.0.1:1"}
	if _, _, err := newQuotaCounter(cfg, nil); err == nil {
		t.Fatal("expected redis ping error")
	}
}
