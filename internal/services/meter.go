package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

// VendorAPI is the part of *vendor.Client the orchestrator depends on.
type VendorAPI interface {
	SubmitSpeech(ctx context.Context, req vendor.SpeechRequest) (*vendor.Submission, error)
	CloneVoice(ctx context.Context, req vendor.CloneRequest) (*vendor.Submission, error)
	Transcribe(ctx context.Context, req vendor.TranscribeRequest) (*vendor.Submission, error)
	Dub(ctx context.Context, req vendor.DubRequest) (*vendor.Submission, error)
	GenerateMusic(ctx context.Context, req vendor.MusicRequest) (*vendor.Submission, error)
	TaskStatus(ctx context.Context, handle string) (*vendor.TaskState, error)
	DeleteTask(ctx context.Context, handle string) (*vendor.DeleteResult, error)
	Credits(ctx context.Context) (*vendor.CreditInfo, error)
}

// UsageMeter decides how submitted work is paid for and which vendor
// credential runs it. Task logic only talks to this interface.
type UsageMeter interface {
	Mode() domain.BillingMode
	// Fingerprint identifies the caller credential; empty for the ledger.
	Fingerprint() string
	Client() VendorAPI
	// Preflight runs before the submission transaction opens.
	Preflight(ctx context.Context) error
	// Charge runs inside the submission transaction, before the task row is
	// written. It returns the amount actually taken.
	Charge(ctx context.Context, tx *gorm.DB, task *domain.GenerationTask, cost int64) (int64, error)
	// Refund gives back up to amount and returns what was returned.
	Refund(ctx context.Context, tx *gorm.DB, task *domain.GenerationTask, amount int64, note string) (int64, error)
}

// LedgerMeter bills the platform credit ledger and runs work on the
// platform key.
type LedgerMeter struct {
	Ledger *Ledger
	Vendor VendorAPI
}

func (m *LedgerMeter) Mode() domain.BillingMode            { return domain.BillingLedger }
func (m *LedgerMeter) Fingerprint() string                 { return "" }
func (m *LedgerMeter) Client() VendorAPI                   { return m.Vendor }
func (m *LedgerMeter) Preflight(ctx context.Context) error { return nil }

// Charge debits cost atomically; a zero cost takes nothing.
func (m *LedgerMeter) Charge(ctx context.Context, tx *gorm.DB, task *domain.GenerationTask, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, nil
	}
	_, err := m.Ledger.DebitTx(ctx, tx, task.UserID, cost, Entry{
		Actor:     task.UserID,
		Op:        domain.OpDebit,
		Reference: task.ID,
		Note:      string(task.Kind),
	})
	if err != nil {
		return 0, err
	}
	return cost, nil
}

// Refund credits amount back and records it against the task.
func (m *LedgerMeter) Refund(ctx context.Context, tx *gorm.DB, task *domain.GenerationTask, amount int64, note string) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	if err := repo.AddTaskRefund(ctx, tx, task.ID, amount); err != nil {
		return 0, err
	}
	_, err := m.Ledger.RefundTx(ctx, tx, task.UserID, amount, Entry{
		Actor:     "system",
		Op:        domain.OpRefund,
		Reference: task.ID,
		Note:      note,
	})
	if err != nil {
		return 0, err
	}
	task.Refunded += amount
	return amount, nil
}

// VendorKeyMeter runs work on the caller's own vendor key. The vendor bills
// that key directly, so nothing is charged locally; usage is logged.
type VendorKeyMeter struct {
	Vendor      VendorAPI
	fingerprint string
}

func (m *VendorKeyMeter) Mode() domain.BillingMode { return domain.BillingVendorKey }
func (m *VendorKeyMeter) Fingerprint() string      { return m.fingerprint }
func (m *VendorKeyMeter) Client() VendorAPI        { return m.Vendor }

// Preflight asks the vendor whether the key is usable.
func (m *VendorKeyMeter) Preflight(ctx context.Context) error {
	info, err := m.Vendor.Credits(ctx)
	if err != nil {
		return vendorFailure("credits", err)
	}
	if !info.Valid {
		return ErrInvalidAPIKey
	}
	return nil
}

// Charge records a usage row and takes nothing.
func (m *VendorKeyMeter) Charge(ctx context.Context, tx *gorm.DB, task *domain.GenerationTask, cost int64) (int64, error) {
	err := repo.AppendUsage(ctx, tx, &domain.UsageLog{
		UserID:         task.UserID,
		TaskID:         task.ID,
		Kind:           task.Kind,
		Units:          cost,
		KeyFingerprint: m.fingerprint,
	})
	return 0, err
}

// Refund is a no-op: the vendor settles with the key owner.
func (m *VendorKeyMeter) Refund(context.Context, *gorm.DB, *domain.GenerationTask, int64, string) (int64, error) {
	return 0, nil
}

// Metering picks a UsageMeter for a request. It runs once at the HTTP edge.
type Metering struct {
	Ledger   *Ledger
	Platform VendorAPI
	// WithKey builds a vendor client authenticated with a caller key.
	WithKey func(key string) VendorAPI
}

// NewMetering wires metering around a platform vendor client.
func NewMetering(ledger *Ledger, platform *vendor.Client) *Metering {
	return &Metering{
		Ledger:   ledger,
		Platform: platform,
		WithKey:  func(key string) VendorAPI { return platform.WithKey(key) },
	}
}

// Resolve returns the vendor-key meter when apiKey is set and the ledger
// meter otherwise.
func (m *Metering) Resolve(apiKey string) UsageMeter {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return m.LedgerMeter()
	}
	return &VendorKeyMeter{Vendor: m.WithKey(apiKey), fingerprint: Fingerprint(apiKey)}
}

// LedgerMeter returns the platform meter.
func (m *Metering) LedgerMeter() *LedgerMeter {
	return &LedgerMeter{Ledger: m.Ledger, Vendor: m.Platform}
}

// Fingerprint is the hex SHA-256 of a vendor key. Keys are never stored.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// vendorFailure converts a vendor client error into a *VendorError.
func vendorFailure(op string, err error) *VendorError {
	ve := &VendorError{Op: op, Detail: err.Error(), Err: err}
	var apiErr *vendor.APIError
	if errors.As(err, &apiErr) {
		ve.Status = apiErr.StatusCode
		ve.Detail = apiErr.Message
	}
	return ve
}
