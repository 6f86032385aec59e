package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/poller"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

func submit(t *testing.T, f *fixture, userID string, job Job) *domain.GenerationTask {
	t.Helper()
	res, err := f.tasks.Submit(context.Background(), SubmitRequest{UserID: userID, Meter: f.metering.LedgerMeter(), Job: job})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.Task
}

func taskCount(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&domain.GenerationTask{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestTaskService_SubmitPollLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 50)

	task := submit(t, f, "u1", speechJob(30))
	if task.Status != domain.TaskProcessing || task.Handle() != "ext-1" || task.CostCharged != 30 {
		t.Fatalf("after submit: status=%s handle=%q cost=%d", task.Status, task.Handle(), task.CostCharged)
	}
	if b := balance(t, f.db, "u1"); b != 20 {
		t.Fatalf("balance = %d; want 20", b)
	}

	f.platform.setStatus(vendor.TaskState{Status: "Success", Metadata: vendor.TaskMetadata{AudioURL: "https://cdn.example/a.mp3"}})
	got, err := f.tasks.Poll(ctx, "u1", nil, task.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != domain.TaskDone || got.Metadata.Data().AudioURL != "https://cdn.example/a.mp3" {
		t.Fatalf("after poll: status=%s meta=%+v", got.Status, got.Metadata.Data())
	}
	if got.Progress != 100 || got.CompletedAt == nil || got.ExpiresAt == nil {
		t.Fatalf("completion fields not set: %+v", got)
	}

	// A terminal task is served as stored, whatever the vendor says now.
	f.platform.setStatus(vendor.TaskState{Status: "Failed"})
	again, err := f.tasks.Poll(ctx, "u1", nil, "ext-1")
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if again.Status != domain.TaskDone || again.Metadata.Data().AudioURL != "https://cdn.example/a.mp3" {
		t.Fatalf("terminal state changed: %s", again.Status)
	}
	if n := f.platform.count("status"); n != 1 {
		t.Fatalf("vendor status calls = %d; want 1", n)
	}
	if b := balance(t, f.db, "u1"); b != 20 {
		t.Fatalf("balance = %d; want 20", b)
	}
}

func TestTaskService_SubmitRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 10)

	if _, err := f.tasks.Submit(ctx, SubmitRequest{Meter: f.metering.LedgerMeter(), Job: speechJob(5)}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if _, err := f.tasks.Submit(ctx, SubmitRequest{UserID: "u1", Meter: f.metering.LedgerMeter(), Job: speechJob(30)}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if n := taskCount(t, f); n != 0 {
		t.Fatalf("tasks = %d; want 0", n)
	}
	if b := balance(t, f.db, "u1"); b != 10 {
		t.Fatalf("balance = %d; want 10", b)
	}
	if n := auditCount(t, f.db, "u1"); n != 0 {
		t.Fatalf("audit rows = %d; want 0", n)
	}
	if n := f.platform.count("speech"); n != 0 {
		t.Fatalf("vendor called %d times", n)
	}
}

func TestTaskService_Validate(t *testing.T) {
	f := newFixture(t)
	file := []byte("RIFF")
	cases := []struct {
		job   Job
		field string
	}{
		{Job{Kind: "bogus"}, "kind"},
		{Job{Kind: domain.KindSpeech, VoiceID: "v"}, "text"},
		{Job{Kind: domain.KindSpeech, Text: "hi"}, "voice_id"},
		{Job{Kind: domain.KindSpeech, Text: "hi", VoiceID: "v", Speed: 3}, "speed"},
		{Job{Kind: domain.KindSpeech, Text: "hi", VoiceID: "v", Format: "ogg"}, "format"},
		{Job{Kind: domain.KindClone, File: file}, "voice_name"},
		{Job{Kind: domain.KindClone, VoiceName: "me"}, "file"},
		{Job{Kind: domain.KindTranscription, File: make([]byte, testPricing.MaxUploadBytes+1)}, "file"},
		{Job{Kind: domain.KindDubbing, File: file}, "target_language"},
		{Job{Kind: domain.KindMusic}, "prompt"},
		{Job{Kind: domain.KindMusic, Prompt: "lofi", DurationSeconds: 301}, "duration_seconds"},
	}
	for _, c := range cases {
		var ve *ValidationError
		if err := f.tasks.Validate(c.job); !errors.As(err, &ve) || ve.Field != c.field {
			t.Fatalf("Validate(%+v) = %v; want field %q", c.job.Kind, err, c.field)
		}
	}
	if err := f.tasks.Validate(Job{Kind: domain.KindTranscription, File: file}); err != nil {
		t.Fatalf("valid transcription: %v", err)
	}
}

func TestTaskService_DispatchFailureRefunds(t *testing.T) {
	f := newFixture(t)
	seedUser(t, f.db, "u1", 50)
	f.platform.submitErr = &vendor.APIError{Op: "speech", StatusCode: 500, Message: "upstream broke"}

	_, err := f.tasks.Submit(context.Background(), SubmitRequest{UserID: "u1", Meter: f.metering.LedgerMeter(), Job: speechJob(30)})
	var ve *VendorError
	if !errors.As(err, &ve) || ve.Status != 500 || ve.Detail != "upstream broke" {
		t.Fatalf("want VendorError 500, got %v", err)
	}
	if b := balance(t, f.db, "u1"); b != 50 {
		t.Fatalf("balance = %d; want 50 after refund", b)
	}
	var task domain.GenerationTask
	if err := f.db.First(&task).Error; err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskFailed || task.Refunded != 30 || task.ErrorDetail != "upstream broke" {
		t.Fatalf("task = status %s refunded %d detail %q", task.Status, task.Refunded, task.ErrorDetail)
	}
}

func TestTaskService_UnrecordedDispatchRefunds(t *testing.T) {
	f := newFixture(t)
	seedUser(t, f.db, "u1", 100)
	seedUser(t, f.db, "u2", 100)

	// The vendor hands out the same handle twice; the unique index refuses
	// the second write after the vendor already accepted the job.
	first := submit(t, f, "u1", speechJob(30))
	if first.Handle() != "ext-1" {
		t.Fatalf("first handle = %q", first.Handle())
	}
	_, err := f.tasks.Submit(context.Background(), SubmitRequest{UserID: "u2", Meter: f.metering.LedgerMeter(), Job: speechJob(30)})
	if err == nil {
		t.Fatal("want storage error for duplicated handle")
	}

	var task domain.GenerationTask
	if err := f.db.Where("user_id = ?", "u2").First(&task).Error; err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskFailed || task.Refunded != 30 || task.ErrorDetail != errUnrecordedDetail {
		t.Fatalf("task = status %s refunded %d detail %q", task.Status, task.Refunded, task.ErrorDetail)
	}
	if b := balance(t, f.db, "u2"); b != 100 {
		t.Fatalf("u2 balance = %d; want 100 after refund", b)
	}
	if b := balance(t, f.db, "u1"); b != 70 {
		t.Fatalf("u1 balance = %d; want 70", b)
	}
}

func TestTaskService_SyncResultCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	seedUser(t, f.db, "u1", 5000)
	f.platform.submit = &vendor.Submission{VoiceID: "voice-42"}

	task := submit(t, f, "u1", Job{Kind: domain.KindClone, VoiceName: "me", File: []byte("wav"), Filename: "me.wav"})
	if task.Status != domain.TaskDone || task.Metadata.Data().VoiceID != "voice-42" {
		t.Fatalf("status=%s meta=%+v", task.Status, task.Metadata.Data())
	}
	if task.InputFile != "me.wav" {
		t.Fatalf("input file = %q", task.InputFile)
	}
	if b := balance(t, f.db, "u1"); b != 2000 {
		t.Fatalf("balance = %d; want 2000", b)
	}

	// The result reads as expired once retention elapses.
	later := task.ExpiresAt.Add(time.Second)
	if s := task.EffectiveStatus(later); s != domain.TaskExpired {
		t.Fatalf("effective status = %s", s)
	}
}

func TestTaskService_PollVendorFailureRefunds(t *testing.T) {
	f := newFixture(t)
	seedUser(t, f.db, "u1", 50)
	task := submit(t, f, "u1", speechJob(30))

	f.platform.setStatus(vendor.TaskState{Status: "error", ErrorMessage: "voice unavailable"})
	got, err := f.tasks.Poll(context.Background(), "u1", nil, task.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != domain.TaskFailed || got.ErrorDetail != "voice unavailable" || got.Refunded != 30 {
		t.Fatalf("task = %+v", got)
	}
	if b := balance(t, f.db, "u1"); b != 50 {
		t.Fatalf("balance = %d; want 50", b)
	}
}

func TestTaskService_PollErrorsAndProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 50)
	task := submit(t, f, "u1", speechJob(10))

	f.platform.statusErr = &vendor.APIError{Op: "task_status", StatusCode: 503, Message: "busy"}
	var ve *VendorError
	if _, err := f.tasks.Poll(ctx, "u1", nil, task.ID); !errors.As(err, &ve) || ve.Status != 503 {
		t.Fatalf("want VendorError, got %v", err)
	}
	f.platform.statusErr = nil

	f.platform.setStatus(vendor.TaskState{Status: "Rendering", Progress: 40})
	got, err := f.tasks.Poll(ctx, "u1", nil, task.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Status != domain.TaskProcessing || got.Progress != 40 {
		t.Fatalf("status=%s progress=%d", got.Status, got.Progress)
	}

	if _, err := f.tasks.Poll(ctx, "u2", nil, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("other user's task: %v", err)
	}
}

func TestTaskService_DeleteRefundClampAndRepeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 50)
	task := submit(t, f, "u1", speechJob(30))
	f.platform.del = &vendor.DeleteResult{Success: true, RefundCredits: 1000}

	res, err := f.tasks.Delete(ctx, "u1", nil, task.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Refunded != 30 {
		t.Fatalf("refunded = %d; want clamp to 30", res.Refunded)
	}
	if res.Task.Status != domain.TaskFailed || res.Task.VendorDeletedAt == nil {
		t.Fatalf("task after delete: %+v", res.Task)
	}
	if b := balance(t, f.db, "u1"); b != 50 {
		t.Fatalf("balance = %d; want 50", b)
	}

	if _, err := f.tasks.Delete(ctx, "u1", nil, task.ID); !errors.Is(err, ErrTaskDeleted) {
		t.Fatalf("second delete: want ErrTaskDeleted, got %v", err)
	}
	if n := f.platform.count("delete"); n != 1 {
		t.Fatalf("vendor delete calls = %d", n)
	}
}

func TestTaskService_DeletePartialRefund(t *testing.T) {
	f := newFixture(t)
	seedUser(t, f.db, "u1", 50)
	task := submit(t, f, "u1", speechJob(30))
	f.platform.del = &vendor.DeleteResult{Success: true, RefundCredits: 12}

	res, err := f.tasks.Delete(context.Background(), "u1", nil, task.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Refunded != 12 || res.Task.Refunded != 12 {
		t.Fatalf("refunded = %d / %d", res.Refunded, res.Task.Refunded)
	}
	if b := balance(t, f.db, "u1"); b != 32 {
		t.Fatalf("balance = %d; want 32", b)
	}
}

func TestTaskService_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 100)
	req := SubmitRequest{UserID: "u1", Meter: f.metering.LedgerMeter(), Job: speechJob(30), IdempotencyKey: "k-1", Scope: "POST /tasks"}

	first, err := f.tasks.Submit(ctx, req)
	if err != nil || first.Replayed {
		t.Fatalf("first submit: %+v %v", first, err)
	}
	second, err := f.tasks.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Replayed || second.Task.ID != first.Task.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Task.ID, second)
	}
	if b := balance(t, f.db, "u1"); b != 70 {
		t.Fatalf("balance = %d; want one charge", b)
	}
	if n := f.platform.count("speech"); n != 1 {
		t.Fatalf("vendor submit calls = %d", n)
	}

	req.Scope = "POST /other"
	f.platform.submit = &vendor.Submission{TaskID: "ext-2"}
	third, err := f.tasks.Submit(ctx, req)
	if err != nil || third.Replayed {
		t.Fatalf("other scope should not replay: %+v %v", third, err)
	}
}

func TestTaskService_PurgesExpiredIdempotencyLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tasks.PurgeEvery = 2
	seedUser(t, f.db, "u1", 100)
	if _, err := repo.CreateIdempotency(ctx, f.db, "u1", "POST /tasks", "stale", "t0", 202, -time.Minute); err != nil {
		t.Fatal(err)
	}
	staleLeft := func() bool {
		_, err := repo.GetIdempotency(ctx, f.db, "u1", "POST /tasks", "stale", time.Now().Add(-time.Hour))
		return !repo.IsNotFound(err)
	}
	keyed := func(key, handle string) {
		t.Helper()
		f.platform.submit = &vendor.Submission{TaskID: handle}
		req := SubmitRequest{UserID: "u1", Meter: f.metering.LedgerMeter(), Job: speechJob(10), IdempotencyKey: key, Scope: "POST /tasks"}
		if _, err := f.tasks.Submit(ctx, req); err != nil {
			t.Fatalf("submit %s: %v", key, err)
		}
	}

	keyed("k-1", "ext-1")
	if !staleLeft() {
		t.Fatal("swept before the second keyed submission")
	}
	keyed("k-2", "ext-2")
	if staleLeft() {
		t.Fatal("expired record not swept")
	}
	var n int64
	if err := f.db.Model(&domain.Idempotency{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("records = %d; want the two live keys", n)
	}
}

func TestTaskService_VendorKeyTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 0)

	res, err := f.tasks.Submit(ctx, SubmitRequest{UserID: "u1", Meter: f.metering.Resolve("sk-user"), Job: speechJob(30)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task := res.Task
	if task.BillingMode != domain.BillingVendorKey || task.CostCharged != 0 || task.KeyFingerprint != Fingerprint("sk-user") {
		t.Fatalf("task = %+v", task)
	}
	if f.byKey.count("speech") != 1 || f.platform.count("speech") != 0 {
		t.Fatal("work must run on the caller's key")
	}

	if _, err := f.tasks.Poll(ctx, "u1", f.metering.LedgerMeter(), task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("poll without key: %v", err)
	}
	if _, err := f.tasks.Poll(ctx, "u1", f.metering.Resolve("sk-other"), task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("poll with another key: %v", err)
	}
	if _, err := f.tasks.Poll(ctx, "u1", f.metering.Resolve("sk-user"), task.ID); err != nil {
		t.Fatalf("poll with same key: %v", err)
	}

	f.byKey.credits = &vendor.CreditInfo{Valid: false}
	if _, err := f.tasks.Submit(ctx, SubmitRequest{UserID: "u1", Meter: f.metering.Resolve("sk-bad"), Job: speechJob(3)}); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("want ErrInvalidAPIKey, got %v", err)
	}
}

func TestTaskService_PollingTimesOutWithoutChangingTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 50)
	task := submit(t, f, "u1", speechJob(30))

	var slept time.Duration
	p := &poller.Poller{
		Interval:    poller.DefaultInterval,
		MaxAttempts: poller.DefaultMaxAttempts,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept += d
			return nil
		},
	}
	err := p.Until(ctx, func(ctx context.Context, _ int) (bool, error) {
		got, err := f.tasks.Poll(ctx, "u1", nil, task.ID)
		if err != nil {
			return false, err
		}
		return got.Status.Terminal(), nil
	})
	if !errors.Is(err, poller.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if slept != 59*2*time.Second {
		t.Fatalf("slept %s", slept)
	}
	if n := f.platform.count("status"); n != 60 {
		t.Fatalf("status calls = %d; want 60", n)
	}
	got, err := f.tasks.Get(ctx, "u1", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskProcessing {
		t.Fatalf("status = %s; want processing", got.Status)
	}
	if b := balance(t, f.db, "u1"); b != 20 {
		t.Fatalf("balance = %d; want 20", b)
	}
}

func TestTaskService_ListAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, "u1", 10_000)
	// Vendor handles are unique per task.
	for i, job := range []Job{speechJob(5), {Kind: domain.KindMusic, Prompt: "lofi"}, speechJob(6)} {
		f.platform.submit = &vendor.Submission{TaskID: fmt.Sprintf("ext-%d", i)}
		submit(t, f, "u1", job)
	}

	rows, total, err := f.tasks.List(ctx, "u1", domain.KindSpeech, 1, 10)
	if err != nil || total != 2 || len(rows) != 2 {
		t.Fatalf("List speech: total=%d rows=%d err=%v", total, len(rows), err)
	}
	if _, _, err := f.tasks.List(ctx, "u1", "bogus", 1, 10); err == nil {
		t.Fatal("expected invalid kind")
	}
	n, latest, err := f.tasks.Stats(ctx, "u1")
	if err != nil || n != 3 || latest == nil {
		t.Fatalf("Stats = %d %v %v", n, latest, err)
	}
}
