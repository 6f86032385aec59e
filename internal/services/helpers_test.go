package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

// ----- Fake vendor -----

type fakeVendor struct {
	mu sync.Mutex

	submit    *vendor.Submission
	submitErr error

	status    *vendor.TaskState
	statusErr error

	del    *vendor.DeleteResult
	delErr error

	credits    *vendor.CreditInfo
	creditsErr error

	calls map[string]int
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		submit:  &vendor.Submission{TaskID: "ext-1"},
		status:  &vendor.TaskState{Status: "Processing"},
		del:     &vendor.DeleteResult{Success: true},
		credits: &vendor.CreditInfo{Credits: 100, Valid: true},
		calls:   map[string]int{},
	}
}

func (f *fakeVendor) hit(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeVendor) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeVendor) submission(op string) (*vendor.Submission, error) {
	f.hit(op)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	s := *f.submit
	return &s, nil
}

func (f *fakeVendor) SubmitSpeech(context.Context, vendor.SpeechRequest) (*vendor.Submission, error) {
	return f.submission("speech")
}
func (f *fakeVendor) CloneVoice(context.Context, vendor.CloneRequest) (*vendor.Submission, error) {
	return f.submission("clone")
}
func (f *fakeVendor) Transcribe(context.Context, vendor.TranscribeRequest) (*vendor.Submission, error) {
	return f.submission("transcription")
}
func (f *fakeVendor) Dub(context.Context, vendor.DubRequest) (*vendor.Submission, error) {
	return f.submission("dubbing")
}
func (f *fakeVendor) GenerateMusic(context.Context, vendor.MusicRequest) (*vendor.Submission, error) {
	return f.submission("music")
}

func (f *fakeVendor) TaskStatus(context.Context, string) (*vendor.TaskState, error) {
	f.hit("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	return &s, nil
}

func (f *fakeVendor) DeleteTask(context.Context, string) (*vendor.DeleteResult, error) {
	f.hit("delete")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return nil, f.delErr
	}
	d := *f.del
	return &d, nil
}

func (f *fakeVendor) Credits(context.Context) (*vendor.CreditInfo, error) {
	f.hit("credits")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditsErr != nil {
		return nil, f.creditsErr
	}
	c := *f.credits
	return &c, nil
}

func (f *fakeVendor) setStatus(s vendor.TaskState) {
	f.mu.Lock()
	f.status = &s
	f.mu.Unlock()
}

// ----- Fixture -----

var testPricing = config.PricingConfig{
	SpeechPerChar:     1,
	Clone:             3000,
	Transcription:     500,
	Dubbing:           2000,
	Music:             1500,
	PriceCentsPer1000: 100,
	MaxSpeechChars:    10000,
	MaxUploadBytes:    1 << 20,
	ResultRetention:   72 * time.Hour,
	PaymentNetworks:   []string{"TRC20", "ERC20"},
}

type fixture struct {
	db       *gorm.DB
	ledger   *Ledger
	platform *fakeVendor
	byKey    *fakeVendor
	metering *Metering
	tasks    *TaskService
}

// newTestDB opens a WAL database in a temp dir. File databases wait on
// busy_timeout, which the concurrency tests rely on.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	ledger := &Ledger{DB: db, Ceiling: 100_000_000, MaxDelta: 10_000_000}
	platform, byKey := newFakeVendor(), newFakeVendor()
	metering := &Metering{
		Ledger:   ledger,
		Platform: platform,
		WithKey:  func(string) VendorAPI { return byKey },
	}
	return &fixture{
		db:       db,
		ledger:   ledger,
		platform: platform,
		byKey:    byKey,
		metering: metering,
		tasks: &TaskService{
			DB:             db,
			Metering:       metering,
			Pricing:        NewPricing(testPricing),
			Limits:         testPricing,
			IdempotencyTTL: time.Hour,
		},
	}
}

func seedUser(t *testing.T, db *gorm.DB, id string, credits int64) {
	t.Helper()
	if err := db.Create(&domain.User{ID: id, Email: id + "@example.com", Credits: credits}).Error; err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func balance(t *testing.T, db *gorm.DB, id string) int64 {
	t.Helper()
	n, err := repo.GetBalance(context.Background(), db, id)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", id, err)
	}
	return n
}

func auditCount(t *testing.T, db *gorm.DB, id string) int64 {
	t.Helper()
	n, err := repo.CountAudit(context.Background(), db, id)
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	return n
}

func speechJob(chars int) Job {
	text := make([]byte, chars)
	for i := range text {
		text[i] = 'a'
	}
	return Job{Kind: domain.KindSpeech, Text: string(text), VoiceID: "v1", Async: true}
}
