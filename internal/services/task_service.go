package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/observability"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/utils"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

const (
	defaultProvider = "minimax"
	deletedByUser   = "deleted by user"

	errUnrecordedDetail = "accepted by vendor but not recorded"

	// defaultPurgeEvery is how many keyed submissions pass between sweeps
	// of expired idempotency records.
	defaultPurgeEvery = 1000
)

var speechFormats = map[string]bool{"mp3": true, "wav": true, "flac": true, "pcm": true}

// Job is one unit of work as submitted by a client. Only the fields of its
// Kind are read.
type Job struct {
	Kind domain.JobKind `json:"kind"`

	// speech
	Text    string  `json:"text,omitempty"`
	VoiceID string  `json:"voice_id,omitempty"`
	Model   string  `json:"model,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
	Format  string  `json:"format,omitempty"`
	Async   bool    `json:"async,omitempty"`

	// clone
	VoiceName string `json:"voice_name,omitempty"`

	// transcription, dubbing
	Language       string `json:"language,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`

	// music
	Prompt          string `json:"prompt,omitempty"`
	Lyrics          string `json:"lyrics,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`

	// uploads
	Filename string `json:"-"`
	File     []byte `json:"-"`
}

// SubmitRequest carries a submission and its replay scope.
type SubmitRequest struct {
	UserID string
	Meter  UsageMeter
	Job    Job

	// IdempotencyKey and Scope are optional; with both set, a repeated
	// submission returns the first task instead of charging again.
	IdempotencyKey string
	Scope          string
}

// SubmitResult is the task created (or replayed) by Submit.
type SubmitResult struct {
	Task     *domain.GenerationTask
	Replayed bool
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Task     *domain.GenerationTask
	Refunded int64
}

// TaskService orchestrates generation tasks against the vendor.
type TaskService struct {
	DB             *gorm.DB
	Metering       *Metering
	Pricing        Pricing
	Limits         config.PricingConfig
	IdempotencyTTL time.Duration

	// PurgeEvery overrides defaultPurgeEvery when positive.
	PurgeEvery uint64

	// Now is replaced in tests.
	Now func() time.Time

	keyed atomic.Uint64
}

func (s *TaskService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Validate checks a job before anything is charged.
func (s *TaskService) Validate(job Job) error {
	if !job.Kind.Valid() {
		return invalid("kind", "unknown job kind")
	}
	if job.Kind != domain.KindSpeech && job.Kind != domain.KindMusic {
		if len(job.File) == 0 {
			return invalid("file", "is required")
		}
		if s.Limits.MaxUploadBytes > 0 && int64(len(job.File)) > s.Limits.MaxUploadBytes {
			return invalid("file", "exceeds the upload limit")
		}
	}

	switch job.Kind {
	case domain.KindSpeech:
		n := BillableChars(job.Text)
		if n == 0 {
			return invalid("text", "is required")
		}
		if s.Limits.MaxSpeechChars > 0 && n > s.Limits.MaxSpeechChars {
			return invalid("text", "is too long")
		}
		if strings.TrimSpace(job.VoiceID) == "" {
			return invalid("voice_id", "is required")
		}
		if job.Speed != 0 && (job.Speed < 0.5 || job.Speed > 2) {
			return invalid("speed", "must be between 0.5 and 2")
		}
		if job.Format != "" && !speechFormats[strings.ToLower(job.Format)] {
			return invalid("format", "must be one of mp3, wav, flac, pcm")
		}
	case domain.KindClone:
		if strings.TrimSpace(job.VoiceName) == "" {
			return invalid("voice_name", "is required")
		}
	case domain.KindDubbing:
		if strings.TrimSpace(job.TargetLanguage) == "" {
			return invalid("target_language", "is required")
		}
	case domain.KindMusic:
		if strings.TrimSpace(job.Prompt) == "" {
			return invalid("prompt", "is required")
		}
		if job.DurationSeconds != 0 && (job.DurationSeconds < 5 || job.DurationSeconds > 300) {
			return invalid("duration_seconds", "must be between 5 and 300")
		}
	}
	return nil
}

// Submit validates, charges and dispatches a job. The charge and the task
// row are written in one transaction; a refused charge leaves no trace.
// A failed dispatch marks the task failed, refunds it and returns a
// *VendorError.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	tr := otel.Tracer("services/TaskService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.String("task.kind", string(req.Job.Kind)),
			attribute.String("billing", string(req.Meter.Mode())),
		),
	)
	defer span.End()

	if req.UserID == "" {
		return nil, ErrUnauthorized
	}
	if err := s.Validate(req.Job); err != nil {
		return nil, err
	}
	if prev, err := s.replay(ctx, req); err != nil || prev != nil {
		return prev, err
	}
	if err := req.Meter.Preflight(ctx); err != nil {
		return nil, err
	}

	task := s.newTask(req)
	cost := s.Pricing.Quote(req.Job)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" && req.Scope != "" {
			if _, err := repo.CreateIdempotency(ctx, tx, req.UserID, req.Scope, req.IdempotencyKey, task.ID, 202, s.IdempotencyTTL); err != nil {
				return err
			}
		}
		charged, err := req.Meter.Charge(ctx, tx, task, cost)
		if err != nil {
			return err
		}
		task.CostCharged = charged
		return repo.CreateTask(ctx, tx, task)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost a race with a concurrent submission under the same key.
		prev, rerr := s.replay(ctx, req)
		if rerr != nil {
			return nil, rerr
		}
		if prev != nil {
			return prev, nil
		}
	}
	if err != nil {
		return nil, err
	}
	observability.TasksSubmitted.WithLabelValues(string(task.Kind), string(task.BillingMode)).Inc()
	if req.IdempotencyKey != "" {
		s.maybePurgeIdempotency(ctx)
	}

	sub, err := s.dispatch(ctx, req.Meter.Client(), req.Job)
	if err != nil {
		verr := vendorFailure(string(task.Kind), err)
		zerolog.Ctx(ctx).Warn().
			Str("task_id", task.ID).
			Int("vendor_status", verr.Status).
			Str("detail", verr.Detail).
			Msg("vendor dispatch failed")
		if ferr := s.failAndRefund(ctx, req.Meter, task, verr.Detail); ferr != nil {
			return nil, ferr
		}
		return nil, verr
	}

	if sub.Async() {
		if err := repo.MarkTaskDispatched(ctx, s.DB, task.ID, sub.TaskID); err != nil {
			return nil, s.unrecorded(ctx, req.Meter, task, sub.TaskID, err)
		}
		observability.TaskTransitions.WithLabelValues(string(task.Kind), string(domain.TaskProcessing)).Inc()
	} else {
		meta := domain.TaskMetadata{AudioURL: sub.AudioURL, VoiceID: sub.VoiceID}
		if meta.Empty() {
			verr := &VendorError{Op: string(task.Kind), Detail: "vendor returned neither a result nor a task id"}
			if ferr := s.failAndRefund(ctx, req.Meter, task, verr.Detail); ferr != nil {
				return nil, ferr
			}
			return nil, verr
		}
		now := s.now()
		if _, err := repo.CompleteTask(ctx, s.DB, task.ID, meta, now, now.Add(s.Limits.ResultRetention)); err != nil {
			return nil, s.unrecorded(ctx, req.Meter, task, "", err)
		}
		observability.TaskTransitions.WithLabelValues(string(task.Kind), string(domain.TaskDone)).Inc()
	}

	fresh, err := repo.GetTask(ctx, s.DB, task.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Task: fresh}, nil
}

// maybePurgeIdempotency drops expired idempotency records on every
// PurgeEvery-th keyed submission. Failures only log.
func (s *TaskService) maybePurgeIdempotency(ctx context.Context) {
	every := s.PurgeEvery
	if every == 0 {
		every = defaultPurgeEvery
	}
	if s.keyed.Add(1)%every != 0 {
		return
	}
	n, err := repo.PurgeIdempotency(ctx, s.DB, s.now())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("purge idempotency records")
		return
	}
	zerolog.Ctx(ctx).Debug().Int64("rows", n).Msg("purged idempotency records")
}

// replay returns the task recorded under the request's idempotency key, or
// nil when there is none.
func (s *TaskService) replay(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.IdempotencyKey == "" || req.Scope == "" {
		return nil, nil
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, req.UserID, req.Scope, req.IdempotencyKey, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task, err := repo.GetTask(ctx, s.DB, rec.ResourceID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Task: task, Replayed: true}, nil
}

func (s *TaskService) newTask(req SubmitRequest) *domain.GenerationTask {
	job := req.Job
	params, _ := json.Marshal(job)
	input := job.Text
	if job.Kind == domain.KindMusic {
		input = job.Prompt
	}
	now := s.now()
	return &domain.GenerationTask{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Kind:           job.Kind,
		Status:         domain.TaskPending,
		Provider:       defaultProvider,
		Model:          job.Model,
		InputText:      input,
		InputFile:      job.Filename,
		Params:         datatypes.JSON(params),
		BillingMode:    req.Meter.Mode(),
		KeyFingerprint: req.Meter.Fingerprint(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// dispatch makes the single vendor call for job.
func (s *TaskService) dispatch(ctx context.Context, client VendorAPI, job Job) (*vendor.Submission, error) {
	upload := vendor.Upload{Filename: job.Filename, Content: bytes.NewReader(job.File)}
	switch job.Kind {
	case domain.KindSpeech:
		return client.SubmitSpeech(ctx, vendor.SpeechRequest{
			Text:    strings.TrimSpace(job.Text),
			VoiceID: job.VoiceID,
			Model:   job.Model,
			Speed:   job.Speed,
			Format:  strings.ToLower(job.Format),
			Async:   job.Async,
		})
	case domain.KindClone:
		return client.CloneVoice(ctx, vendor.CloneRequest{File: upload, VoiceName: job.VoiceName, Model: job.Model})
	case domain.KindTranscription:
		return client.Transcribe(ctx, vendor.TranscribeRequest{File: upload, Language: job.Language})
	case domain.KindDubbing:
		return client.Dub(ctx, vendor.DubRequest{File: upload, SourceLanguage: job.SourceLanguage, TargetLanguage: job.TargetLanguage})
	case domain.KindMusic:
		return client.GenerateMusic(ctx, vendor.MusicRequest{Prompt: job.Prompt, Lyrics: job.Lyrics, DurationSeconds: job.DurationSeconds})
	}
	return nil, invalid("kind", "unknown job kind")
}

// failAndRefund moves task to failed and returns whatever is still
// refundable, in one transaction. A task already terminal is left alone.
func (s *TaskService) failAndRefund(ctx context.Context, meter UsageMeter, task *domain.GenerationTask, detail string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.FailTask(ctx, tx, task.ID, detail, s.now())
		if err != nil || !ok {
			return err
		}
		observability.TaskTransitions.WithLabelValues(string(task.Kind), string(domain.TaskFailed)).Inc()
		refunded, err := meter.Refund(ctx, tx, task, task.Refundable(), "task failed")
		if err != nil {
			return err
		}
		if refunded > 0 {
			zerolog.Ctx(ctx).Info().Str("task_id", task.ID).Int64("refunded", refunded).Msg("refunded failed task")
		}
		return nil
	})
}

// unrecorded handles a vendor acceptance that could not be written back.
// The task is failed and refunded so the charge never outlives it; the
// vendor handle, if any, is logged for manual reconciliation. It returns
// the original storage error.
func (s *TaskService) unrecorded(ctx context.Context, meter UsageMeter, task *domain.GenerationTask, handle string, cause error) error {
	zerolog.Ctx(ctx).Error().Err(cause).
		Str("task_id", task.ID).
		Str("vendor_handle", handle).
		Msg("vendor accepted job but the result could not be stored")
	if ferr := s.failAndRefund(ctx, meter, task, errUnrecordedDetail); ferr != nil {
		return errors.Join(cause, ferr)
	}
	return cause
}

// meterFor returns the meter a stored task must be served with. Ledger
// tasks always use the platform key. Vendor-key tasks require the same key
// they were submitted with.
func (s *TaskService) meterFor(task *domain.GenerationTask, caller UsageMeter) (UsageMeter, error) {
	if task.BillingMode != domain.BillingVendorKey {
		return s.Metering.LedgerMeter(), nil
	}
	if caller == nil || caller.Mode() != domain.BillingVendorKey || caller.Fingerprint() != task.KeyFingerprint {
		return nil, ErrForbidden
	}
	return caller, nil
}

// Get returns a task owned by userID, by local id or vendor handle.
func (s *TaskService) Get(ctx context.Context, userID, ref string) (*domain.GenerationTask, error) {
	task, err := repo.FindUserTask(ctx, s.DB, userID, ref)
	if repo.IsNotFound(err) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Poll reconciles a task with the vendor. Terminal tasks are returned as
// stored. A vendor error is returned as *VendorError and changes nothing.
func (s *TaskService) Poll(ctx context.Context, userID string, caller UsageMeter, ref string) (*domain.GenerationTask, error) {
	tr := otel.Tracer("services/TaskService")
	ctx, span := tr.Start(ctx, "Poll",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("task.ref", ref)))
	defer span.End()

	task, err := s.Get(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() || task.Handle() == "" {
		return task, nil
	}
	meter, err := s.meterFor(task, caller)
	if err != nil {
		return nil, err
	}

	st, err := meter.Client().TaskStatus(ctx, task.Handle())
	if err != nil {
		return nil, vendorFailure("task_status", err)
	}

	status, known := domain.NormalizeVendorStatus(st.Status)
	if !known {
		zerolog.Ctx(ctx).Warn().
			Str("task_id", task.ID).
			Str("vendor_status", st.Status).
			Msg("unknown vendor status; treating as processing")
	}

	switch status {
	case domain.TaskDone:
		now := s.now()
		meta := domain.TaskMetadata{
			AudioURL: st.Metadata.AudioURL,
			SRTURL:   st.Metadata.SRTURL,
			JSONURL:  st.Metadata.JSONURL,
		}
		ok, err := repo.CompleteTask(ctx, s.DB, task.ID, meta, now, now.Add(s.Limits.ResultRetention))
		if err != nil {
			return nil, err
		}
		if ok {
			observability.TaskTransitions.WithLabelValues(string(task.Kind), string(domain.TaskDone)).Inc()
		}
	case domain.TaskFailed:
		detail := st.ErrorMessage
		if detail == "" {
			detail = "vendor reported failure"
		}
		if err := s.failAndRefund(ctx, meter, task, detail); err != nil {
			return nil, err
		}
	default:
		if st.Progress > task.Progress && st.Progress <= 100 {
			if err := repo.UpdateTaskProgress(ctx, s.DB, task.ID, st.Progress); err != nil {
				return nil, err
			}
		}
	}
	return repo.GetTask(ctx, s.DB, task.ID)
}

// Delete removes the vendor job and credits back what the vendor says it
// refunded, clamped to what is still refundable.
func (s *TaskService) Delete(ctx context.Context, userID string, caller UsageMeter, ref string) (*DeleteResult, error) {
	tr := otel.Tracer("services/TaskService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("task.ref", ref)))
	defer span.End()

	task, err := s.Get(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	if task.VendorDeletedAt != nil {
		return nil, ErrTaskDeleted
	}
	if task.Handle() == "" {
		return nil, invalid("id", "task has no vendor job to delete")
	}
	meter, err := s.meterFor(task, caller)
	if err != nil {
		return nil, err
	}

	res, err := meter.Client().DeleteTask(ctx, task.Handle())
	if err != nil {
		return nil, vendorFailure("task_delete", err)
	}

	refund := res.RefundCredits
	if refund > task.Refundable() {
		refund = task.Refundable()
	}
	if refund < 0 {
		refund = 0
	}

	var refunded int64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := repo.MarkTaskVendorDeleted(ctx, tx, task.ID, now); err != nil {
			if errors.Is(err, repo.ErrPreconditionFailed) {
				return ErrTaskDeleted
			}
			return err
		}
		if !task.Status.Terminal() {
			if _, err := repo.FailTask(ctx, tx, task.ID, deletedByUser, now); err != nil {
				return err
			}
		}
		var err error
		refunded, err = meter.Refund(ctx, tx, task, refund, "vendor refund on delete")
		return err
	})
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		observability.TaskTransitions.WithLabelValues(string(task.Kind), string(domain.TaskFailed)).Inc()
	}

	fresh, err := repo.GetTask(ctx, s.DB, task.ID)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{Task: fresh, Refunded: refunded}, nil
}

// List pages through a user's tasks, optionally filtered by kind.
func (s *TaskService) List(ctx context.Context, userID string, kind domain.JobKind, page, pageSize int) ([]domain.GenerationTask, int64, error) {
	if kind != "" && !kind.Valid() {
		return nil, 0, invalid("kind", "unknown job kind")
	}
	p := utils.NormalizePage(page, pageSize)
	total, err := repo.CountTasks(ctx, s.DB, userID, kind)
	if err != nil {
		return nil, 0, err
	}
	rows, err := repo.ListTasksPage(ctx, s.DB, userID, kind, p.Offset(), p.PageSize)
	return rows, total, err
}

// Stats returns the list fingerprint used for ETags.
func (s *TaskService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.TasksStats(ctx, s.DB, userID)
}
