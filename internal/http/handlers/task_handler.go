// Task HTTP handlers.
//
// This file exposes the generation endpoints:
//   - POST   /tasks/speech         (JSON)
//   - POST   /tasks/music          (JSON)
//   - POST   /tasks/clone          (multipart)
//   - POST   /tasks/transcription  (multipart)
//   - POST   /tasks/dubbing        (multipart)
//   - GET    /tasks                (history, paginated, ETag support)
//   - GET    /tasks/{id}           (poll)
//   - DELETE /tasks/{id}           (delete vendor job, refund)
package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/http/middleware"
	"github.com/tbourn/voicegen-backend/internal/services"
)

//
// DTOs
//

// SpeechRequest is the JSON payload for text-to-speech.
type SpeechRequest struct {
	Text    string  `json:"text"     example:"Hello there"`
	VoiceID string  `json:"voice_id" example:"female-shaonv"`
	Model   string  `json:"model"    example:"speech-02-hd"`
	Speed   float64 `json:"speed"    example:"1.0"`
	Format  string  `json:"format"   example:"mp3"`
	// Async submits a long-text job that must be polled.
	Async bool `json:"async"`
}

// MusicRequest is the JSON payload for music generation.
type MusicRequest struct {
	Prompt          string `json:"prompt"           example:"calm lo-fi piano"`
	Lyrics          string `json:"lyrics"`
	DurationSeconds int    `json:"duration_seconds" example:"60"`
}

// TaskResponse is a task as seen by its owner. Status is the read-time
// status, so a done task past its retention window reads as expired and
// carries no metadata.
type TaskResponse struct {
	ID             string               `json:"id"`
	Kind           domain.JobKind       `json:"kind"            example:"speech"`
	Status         domain.TaskStatus    `json:"status"          example:"processing"`
	Provider       string               `json:"provider"        example:"minimax"`
	Model          string               `json:"model,omitempty"`
	ExternalHandle string               `json:"external_handle,omitempty"`
	BillingMode    domain.BillingMode   `json:"billing_mode"    example:"ledger"`
	CostCharged    int64                `json:"cost_charged"`
	Refunded       int64                `json:"refunded"`
	Progress       int                  `json:"progress"`
	Metadata       *domain.TaskMetadata `json:"metadata,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
}

// DeleteTaskResponse reports a deleted task and the credits returned by
// this deletion.
type DeleteTaskResponse struct {
	Success       bool         `json:"success"        example:"true"`
	RefundCredits int64        `json:"refund_credits" example:"30"`
	Task          TaskResponse `json:"task"`
}

// ListTasksResponse wraps a page of tasks and pagination information.
type ListTasksResponse struct {
	Tasks      []TaskResponse `json:"tasks"`
	Pagination Pagination     `json:"pagination"`
}

func (h *Handlers) taskView(t *domain.GenerationTask) TaskResponse {
	v := TaskResponse{
		ID:             t.ID,
		Kind:           t.Kind,
		Status:         t.EffectiveStatus(h.now()),
		Provider:       t.Provider,
		Model:          t.Model,
		ExternalHandle: t.Handle(),
		BillingMode:    t.BillingMode,
		CostCharged:    t.CostCharged,
		Refunded:       t.Refunded,
		Progress:       t.Progress,
		ErrorMessage:   t.ErrorDetail,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
		ExpiresAt:      t.ExpiresAt,
	}
	if v.Status == domain.TaskDone {
		if meta := t.Metadata.Data(); !meta.Empty() {
			v.Metadata = &meta
		}
	}
	return v
}

//
// Handlers
//

// SubmitSpeech godoc
// @ID          submitSpeech
// @Summary     Submit text-to-speech
// @Description Charges the quoted credits and dispatches the job. Short text returns the finished task; async jobs return a processing task to poll.
// @Tags        Tasks
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Replay-safe submission key"
// @Param       X-API-Key        header  string  false "Vendor key; bills the key instead of credits"
// @Param       body             body    handlers.SpeechRequest  true  "Speech job"
//
// @Success     200  {object}  handlers.TaskResponse  "Finished synchronously"
// @Success     202  {object}  handlers.TaskResponse  "Accepted for processing"
// @Header      200  {string}  Idempotency-Replayed   "true when replayed"
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse "Insufficient credits"
// @Failure     429  {object}  handlers.ErrorResponse "Quota exceeded"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/speech [post]
func (h *Handlers) SubmitSpeech(c *gin.Context) {
	var req SpeechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	h.submit(c, services.Job{
		Kind:    domain.KindSpeech,
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Model:   req.Model,
		Speed:   req.Speed,
		Format:  req.Format,
		Async:   req.Async,
	})
}

// SubmitMusic godoc
// @ID          submitMusic
// @Summary     Submit music generation
// @Tags        Tasks
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Replay-safe submission key"
// @Param       X-API-Key        header  string  false "Vendor key; bills the key instead of credits"
// @Param       body             body    handlers.MusicRequest  true  "Music job"
//
// @Success     202  {object}  handlers.TaskResponse
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse "Insufficient credits"
// @Failure     429  {object}  handlers.ErrorResponse "Quota exceeded"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/music [post]
func (h *Handlers) SubmitMusic(c *gin.Context) {
	var req MusicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	h.submit(c, services.Job{
		Kind:            domain.KindMusic,
		Prompt:          req.Prompt,
		Lyrics:          req.Lyrics,
		DurationSeconds: req.DurationSeconds,
	})
}

// SubmitClone godoc
// @ID          submitClone
// @Summary     Submit a voice clone
// @Tags        Tasks
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Replay-safe submission key"
// @Param       X-API-Key        header    string  false "Vendor key; bills the key instead of credits"
// @Param       file             formData  file    true  "Reference audio"
// @Param       voice_name       formData  string  true  "Name of the new voice"
// @Param       model            formData  string  false "Vendor model"
//
// @Success     200  {object}  handlers.TaskResponse  "Voice created"
// @Success     202  {object}  handlers.TaskResponse  "Accepted for processing"
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse "Insufficient credits"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/clone [post]
func (h *Handlers) SubmitClone(c *gin.Context) {
	job := services.Job{
		Kind:      domain.KindClone,
		VoiceName: c.PostForm("voice_name"),
		Model:     c.PostForm("model"),
	}
	if h.readUpload(c, &job) {
		h.submit(c, job)
	}
}

// SubmitTranscription godoc
// @ID          submitTranscription
// @Summary     Submit speech-to-text
// @Tags        Tasks
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Replay-safe submission key"
// @Param       X-API-Key        header    string  false "Vendor key; bills the key instead of credits"
// @Param       file             formData  file    true  "Audio to transcribe"
// @Param       language         formData  string  false "Spoken language hint"
//
// @Success     202  {object}  handlers.TaskResponse
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse "Insufficient credits"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/transcription [post]
func (h *Handlers) SubmitTranscription(c *gin.Context) {
	job := services.Job{
		Kind:     domain.KindTranscription,
		Language: c.PostForm("language"),
	}
	if h.readUpload(c, &job) {
		h.submit(c, job)
	}
}

// SubmitDubbing godoc
// @ID          submitDubbing
// @Summary     Submit dubbing
// @Tags        Tasks
// @Accept      multipart/form-data
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Replay-safe submission key"
// @Param       X-API-Key        header    string  false "Vendor key; bills the key instead of credits"
// @Param       file             formData  file    true  "Audio to dub"
// @Param       target_language  formData  string  true  "Output language"
// @Param       source_language  formData  string  false "Input language"
//
// @Success     202  {object}  handlers.TaskResponse
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     402  {object}  handlers.ErrorResponse "Insufficient credits"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/dubbing [post]
func (h *Handlers) SubmitDubbing(c *gin.Context) {
	job := services.Job{
		Kind:           domain.KindDubbing,
		TargetLanguage: c.PostForm("target_language"),
		SourceLanguage: c.PostForm("source_language"),
	}
	if h.readUpload(c, &job) {
		h.submit(c, job)
	}
}

// readUpload loads the "file" form part into job. A missing part is left for
// the service to reject; it returns false when the response was written.
func (h *Handlers) readUpload(c *gin.Context, job *services.Job) bool {
	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return true
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid multipart body")
		return false
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		failField(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "file exceeds the upload limit", "file")
		return false
	}
	data, err := readPart(fh, h.maxUpload)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable upload")
		return false
	}
	job.Filename = fh.Filename
	job.File = data
	return true
}

func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	return io.ReadAll(r)
}

// submit runs job for the caller and writes the task. Finished tasks are
// 200, everything else 202.
func (h *Handlers) submit(c *gin.Context, job services.Job) {
	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.tasks.Submit(c.Request.Context(), services.SubmitRequest{
		UserID:         userID(c),
		Meter:          h.meter(c),
		Job:            job,
		IdempotencyKey: key,
		Scope:          middleware.IdempotencyScope(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
	view := h.taskView(res.Task)
	status := http.StatusAccepted
	if view.Status.Terminal() {
		status = http.StatusOK
	}
	ok(c, status, view)
}

// GetTask godoc
// @ID          getTask
// @Summary     Poll a task
// @Description Reconciles the task with the vendor and returns it. Accepts the local id or the vendor handle.
// @Tags        Tasks
// @Produce     json
// @Security    BearerAuth
//
// @Param       X-API-Key  header  string  false "Vendor key the task was submitted with"
// @Param       id         path    string  true  "Task id or vendor handle"
//
// @Success     200  {object}  handlers.TaskResponse
// @Failure     403  {object}  handlers.ErrorResponse "Wrong vendor key"
// @Failure     404  {object}  handlers.ErrorResponse "Task not found"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/{id} [get]
func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.tasks.Poll(c.Request.Context(), userID(c), h.meter(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, h.taskView(task))
}

// DeleteTask godoc
// @ID          deleteTask
// @Summary     Delete a task
// @Description Deletes the vendor job and credits back the refund the vendor reports.
// @Tags        Tasks
// @Produce     json
// @Security    BearerAuth
//
// @Param       X-API-Key  header  string  false "Vendor key the task was submitted with"
// @Param       id         path    string  true  "Task id or vendor handle"
//
// @Success     200  {object}  handlers.DeleteTaskResponse
// @Failure     400  {object}  handlers.ErrorResponse "Task has no vendor job"
// @Failure     404  {object}  handlers.ErrorResponse "Task not found"
// @Failure     409  {object}  handlers.ErrorResponse "Already deleted"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /tasks/{id} [delete]
func (h *Handlers) DeleteTask(c *gin.Context) {
	res, err := h.tasks.Delete(c.Request.Context(), userID(c), h.meter(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, DeleteTaskResponse{Success: true, RefundCredits: res.Refunded, Task: h.taskView(res.Task)})
}

// ListTasks godoc
// @ID          listTasks
// @Summary     List tasks (paginated)
// @Description Returns a page of the caller's tasks, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Tasks
// @Produce     json
// @Security    BearerAuth
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       kind           query   string  false "Filter by job kind"  Enums(speech, clone, transcription, dubbing, music)
// @Param       page           query   int     false "Page number"         minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"      minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTasksResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Unknown kind"
// @Router      /tasks [get]
func (h *Handlers) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	// Derived expiry changes the body without touching updated_at; the
	// minute bucket keeps a cached page from reading as current for longer.
	if notModified(c, "tasks", uid, func() (int64, *time.Time, error) {
		n, ts, err := h.tasks.Stats(ctx, uid)
		if err == nil && ts != nil {
			bucket := h.now().Truncate(time.Minute)
			if bucket.After(*ts) {
				ts = &bucket
			}
		}
		return n, ts, err
	}) {
		return
	}

	p := pageParams(c)
	items, total, err := h.tasks.List(ctx, uid, domain.JobKind(c.Query("kind")), p.Page, p.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]TaskResponse, 0, len(items))
	for i := range items {
		views = append(views, h.taskView(&items[i]))
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: views, Pagination: paginate(p, total)})
}
