package domain

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// JobKind identifies the type of generation work.
type JobKind string

const (
	KindSpeech        JobKind = "speech"
	KindClone         JobKind = "clone"
	KindTranscription JobKind = "transcription"
	KindDubbing       JobKind = "dubbing"
	KindMusic         JobKind = "music"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindSpeech, KindClone, KindTranscription, KindDubbing, KindMusic:
		return true
	}
	return false
}

// TaskStatus is the local lifecycle state of a GenerationTask.
//
// Expired is never stored: it is derived from ExpiresAt on done tasks.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskExpired    TaskStatus = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskExpired
}

// BillingMode records which usage meter paid for a task.
type BillingMode string

const (
	BillingLedger    BillingMode = "ledger"
	BillingVendorKey BillingMode = "vendor_key"
)

// TaskMetadata holds result locators reported by the vendor.
type TaskMetadata struct {
	AudioURL string `json:"audio_url,omitempty"`
	SRTURL   string `json:"srt_url,omitempty"`
	JSONURL  string `json:"json_url,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

// Empty reports whether no locator is set.
func (m TaskMetadata) Empty() bool {
	return m.AudioURL == "" && m.SRTURL == "" && m.JSONURL == "" && m.VoiceID == ""
}

// GenerationTask is one user-submitted unit of generation work.
//
// ExternalHandle is written once, when the vendor accepts an asynchronous
// job, and never changes afterwards. CostCharged is the amount taken by the
// usage meter at submission; Refunded accumulates credit-backs and never
// exceeds CostCharged.
type GenerationTask struct {
	ID              string      `gorm:"type:char(36);primaryKey"`
	UserID          string      `gorm:"type:varchar(64);not null;index:idx_tasks_user_created,priority:1"`
	Kind            JobKind     `gorm:"type:varchar(16);not null"`
	Status          TaskStatus  `gorm:"type:varchar(16);not null;default:'pending';index"`
	Provider        string      `gorm:"type:varchar(32);not null;default:'minimax'"`
	Model           string      `gorm:"type:varchar(64);not null;default:''"`
	InputText       string      `gorm:"type:text;not null;default:''"`
	InputFile       string      `gorm:"type:varchar(255);not null;default:''"`
	Params          datatypes.JSON
	ExternalHandle  *string     `gorm:"type:varchar(128);uniqueIndex:ux_tasks_external_handle"`
	BillingMode     BillingMode `gorm:"type:varchar(16);not null"`
	KeyFingerprint  string      `gorm:"type:varchar(64);not null;default:''"`
	CostCharged     int64       `gorm:"not null;default:0"`
	Refunded        int64       `gorm:"not null;default:0;check:chk_tasks_refund_bounded,refunded <= cost_charged"`
	Progress        int         `gorm:"not null;default:0"`
	Metadata        datatypes.JSONType[TaskMetadata]
	ErrorDetail     string      `gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time   `gorm:"index:idx_tasks_user_created,priority:2"`
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ExpiresAt       *time.Time
	VendorDeletedAt *time.Time
}

// TableName returns the database table name for GenerationTask.
func (GenerationTask) TableName() string { return "generation_tasks" }

// Handle returns the external vendor handle or "".
func (t *GenerationTask) Handle() string {
	if t.ExternalHandle == nil {
		return ""
	}
	return *t.ExternalHandle
}

// EffectiveStatus returns the status as seen by readers at now. A done task
// whose retention window has elapsed reads as expired.
func (t *GenerationTask) EffectiveStatus(now time.Time) TaskStatus {
	if t.Status == TaskDone && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return TaskExpired
	}
	return t.Status
}

// Refundable is the part of the charge not yet returned.
func (t *GenerationTask) Refundable() int64 {
	if r := t.CostCharged - t.Refunded; r > 0 {
		return r
	}
	return 0
}

// NormalizeVendorStatus maps the vendor's status vocabulary onto the local
// enum. The second result is false for strings outside the known
// vocabulary; those map to processing so that polling continues.
func NormalizeVendorStatus(s string) (TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "queueing", "doing", "processing", "running":
		return TaskProcessing, true
	case "done", "success", "succeeded", "completed", "finished":
		return TaskDone, true
	case "error", "failed", "fail", "failure":
		return TaskFailed, true
	}
	return TaskProcessing, false
}
