package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// newTestDB opens a private in-memory database with every table migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// newFileDB opens a WAL database on disk through OpenSQLite. Concurrency
// tests need it because shared-cache memory databases report table locks
// instead of waiting on busy_timeout.
func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id string, credits int64) *domain.User {
	t.Helper()
	now := time.Now().UTC()
	u := &domain.User{ID: id, Email: id + "@example.com", Credits: credits, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

func seedTask(t *testing.T, db *gorm.DB, id, userID string, cost int64) *domain.GenerationTask {
	t.Helper()
	task := &domain.GenerationTask{
		ID:          id,
		UserID:      userID,
		Kind:        domain.KindSpeech,
		Status:      domain.TaskPending,
		Provider:    "minimax",
		BillingMode: domain.BillingLedger,
		CostCharged: cost,
	}
	if err := CreateTask(context.Background(), db, task); err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	return task
}
