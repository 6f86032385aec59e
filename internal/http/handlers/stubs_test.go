package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/http/middleware"
	"github.com/tbourn/voicegen-backend/internal/services"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

// ---------- service stubs (function fields, nil means "zero result") ----------

type stubTasks struct {
	submit func(context.Context, services.SubmitRequest) (*services.SubmitResult, error)
	poll   func(context.Context, string, services.UsageMeter, string) (*domain.GenerationTask, error)
	del    func(context.Context, string, services.UsageMeter, string) (*services.DeleteResult, error)
	list   func(context.Context, string, domain.JobKind, int, int) ([]domain.GenerationTask, int64, error)
	stats  func(context.Context, string) (int64, *time.Time, error)
}

func (s stubTasks) Submit(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error) {
	return s.submit(ctx, req)
}

func (s stubTasks) Poll(ctx context.Context, u string, m services.UsageMeter, ref string) (*domain.GenerationTask, error) {
	return s.poll(ctx, u, m, ref)
}

func (s stubTasks) Delete(ctx context.Context, u string, m services.UsageMeter, ref string) (*services.DeleteResult, error) {
	return s.del(ctx, u, m, ref)
}

func (s stubTasks) List(ctx context.Context, u string, k domain.JobKind, p, ps int) ([]domain.GenerationTask, int64, error) {
	if s.list != nil {
		return s.list(ctx, u, k, p, ps)
	}
	return nil, 0, nil
}

func (s stubTasks) Stats(ctx context.Context, u string) (int64, *time.Time, error) {
	if s.stats != nil {
		return s.stats(ctx, u)
	}
	return 0, nil, nil
}

type stubAccounts struct {
	profile    func(context.Context, string) (*domain.User, error)
	update     func(context.Context, string, string) (*domain.User, error)
	listUsers  func(context.Context, string, int, int) ([]domain.User, int64, error)
	setBlocked func(context.Context, string, string, bool) (*domain.User, error)
	setCredits func(context.Context, string, string, int64, string) (services.Movement, error)
	addCredits func(context.Context, string, string, int64, string) (services.Movement, error)
}

func (s stubAccounts) Profile(ctx context.Context, u string) (*domain.User, error) {
	return s.profile(ctx, u)
}

func (s stubAccounts) UpdateProfile(ctx context.Context, u, n string) (*domain.User, error) {
	return s.update(ctx, u, n)
}

func (s stubAccounts) ListUsers(ctx context.Context, q string, p, ps int) ([]domain.User, int64, error) {
	return s.listUsers(ctx, q, p, ps)
}

func (s stubAccounts) SetBlocked(ctx context.Context, a, u string, b bool) (*domain.User, error) {
	return s.setBlocked(ctx, a, u, b)
}

func (s stubAccounts) SetCredits(ctx context.Context, a, u string, v int64, n string) (services.Movement, error) {
	return s.setCredits(ctx, a, u, v, n)
}

func (s stubAccounts) AddCredits(ctx context.Context, a, u string, v int64, n string) (services.Movement, error) {
	return s.addCredits(ctx, a, u, v, n)
}

type stubLedger struct {
	balance func(context.Context, string) (int64, error)
	history func(context.Context, string, int, int) ([]domain.CreditAuditLog, int64, error)
}

func (s stubLedger) Balance(ctx context.Context, u string) (int64, error) { return s.balance(ctx, u) }

func (s stubLedger) History(ctx context.Context, u string, p, ps int) ([]domain.CreditAuditLog, int64, error) {
	return s.history(ctx, u, p, ps)
}

type stubOrders struct {
	create   func(context.Context, string, services.CreateOrderInput) (*domain.CreditOrder, error)
	listMine func(context.Context, string, int, int) ([]domain.CreditOrder, int64, error)
	list     func(context.Context, domain.OrderStatus, int, int) ([]domain.CreditOrder, int64, error)
	stats    func(context.Context, string) (int64, *time.Time, error)
	approve  func(context.Context, string, string, services.ApproveInput) (*domain.CreditOrder, error)
	reject   func(context.Context, string, string, string) (*domain.CreditOrder, error)
}

func (s stubOrders) Create(ctx context.Context, u string, in services.CreateOrderInput) (*domain.CreditOrder, error) {
	return s.create(ctx, u, in)
}

func (s stubOrders) ListMine(ctx context.Context, u string, p, ps int) ([]domain.CreditOrder, int64, error) {
	return s.listMine(ctx, u, p, ps)
}

func (s stubOrders) List(ctx context.Context, st domain.OrderStatus, p, ps int) ([]domain.CreditOrder, int64, error) {
	return s.list(ctx, st, p, ps)
}

func (s stubOrders) Stats(ctx context.Context, u string) (int64, *time.Time, error) {
	if s.stats != nil {
		return s.stats(ctx, u)
	}
	return 0, nil, nil
}

func (s stubOrders) Approve(ctx context.Context, a, id string, in services.ApproveInput) (*domain.CreditOrder, error) {
	return s.approve(ctx, a, id, in)
}

func (s stubOrders) Reject(ctx context.Context, a, id, n string) (*domain.CreditOrder, error) {
	return s.reject(ctx, a, id, n)
}

type stubPackages struct {
	list       func(context.Context, bool) ([]domain.CreditPackage, error)
	create     func(context.Context, services.PackageInput) (*domain.CreditPackage, error)
	update     func(context.Context, string, services.PackageInput) (*domain.CreditPackage, error)
	deactivate func(context.Context, string) error
}

func (s stubPackages) List(ctx context.Context, active bool) ([]domain.CreditPackage, error) {
	return s.list(ctx, active)
}

func (s stubPackages) Create(ctx context.Context, in services.PackageInput) (*domain.CreditPackage, error) {
	return s.create(ctx, in)
}

func (s stubPackages) Update(ctx context.Context, id string, in services.PackageInput) (*domain.CreditPackage, error) {
	return s.update(ctx, id, in)
}

func (s stubPackages) Deactivate(ctx context.Context, id string) error { return s.deactivate(ctx, id) }

// ---------- metering stubs ----------

// stubVendor answers Credits; the other calls are never reached from handlers.
type stubVendor struct {
	credits func(context.Context) (*vendor.CreditInfo, error)
}

func (stubVendor) SubmitSpeech(context.Context, vendor.SpeechRequest) (*vendor.Submission, error) {
	return nil, nil
}
func (stubVendor) CloneVoice(context.Context, vendor.CloneRequest) (*vendor.Submission, error) {
	return nil, nil
}
func (stubVendor) Transcribe(context.Context, vendor.TranscribeRequest) (*vendor.Submission, error) {
	return nil, nil
}
func (stubVendor) Dub(context.Context, vendor.DubRequest) (*vendor.Submission, error) {
	return nil, nil
}
func (stubVendor) GenerateMusic(context.Context, vendor.MusicRequest) (*vendor.Submission, error) {
	return nil, nil
}
func (stubVendor) TaskStatus(context.Context, string) (*vendor.TaskState, error) { return nil, nil }
func (stubVendor) DeleteTask(context.Context, string) (*vendor.DeleteResult, error) {
	return nil, nil
}
func (s stubVendor) Credits(ctx context.Context) (*vendor.CreditInfo, error) { return s.credits(ctx) }

type stubMeter struct {
	key    string
	client services.VendorAPI
}

func (m stubMeter) Mode() domain.BillingMode {
	if m.key != "" {
		return domain.BillingVendorKey
	}
	return domain.BillingLedger
}
func (m stubMeter) Fingerprint() string                  { return m.key }
func (m stubMeter) Client() services.VendorAPI           { return m.client }
func (m stubMeter) Preflight(context.Context) error      { return nil }
func (m stubMeter) Charge(context.Context, *gorm.DB, *domain.GenerationTask, int64) (int64, error) {
	return 0, nil
}
func (m stubMeter) Refund(context.Context, *gorm.DB, *domain.GenerationTask, int64, string) (int64, error) {
	return 0, nil
}

type stubMeters struct {
	client services.VendorAPI
}

func (s stubMeters) Resolve(apiKey string) services.UsageMeter {
	return stubMeter{key: apiKey, client: s.client}
}

// ---------- HTTP helpers ----------

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testRouter mounts routes on an engine that authenticates every request
// as uid, the way the Auth middleware would.
func testRouter(uid string, mount func(r gin.IRoutes)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-test")
		if uid != "" {
			c.Set(middleware.UserIDKey, uid)
		}
		c.Next()
	})
	mount(r)
	return r
}

func do(r http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	resp := decode[ErrorResponse](t, w)
	if resp.Code != code || resp.RequestID != "rid-test" {
		t.Fatalf("envelope=%+v want code %s", resp, code)
	}
	return resp
}
