package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/auth"
	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
)

type stubVerifier struct {
	id  auth.Identity
	err error
}

func (s stubVerifier) Verify(string) (auth.Identity, error) { return s.id, s.err }

type stubProvisioner struct {
	user  *domain.User
	err   error
	calls int
}

func (s *stubProvisioner) Provision(_ context.Context, userID, email string) (*domain.User, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.user != nil {
		return s.user, nil
	}
	return &domain.User{ID: userID, Email: email}, nil
}

type stubAdmins struct {
	admin bool
	err   error
}

func (s stubAdmins) IsAdmin(context.Context, string) (bool, error) { return s.admin, s.err }

func authRouter(v TokenVerifier, p Provisioner, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Auth(v, p))
	r.Use(extra...)
	r.GET("/me", func(c *gin.Context) {
		u := CurrentUser(c)
		c.String(http.StatusOK, UserID(c)+"|"+u.Email)
	})
	return r
}

func get(r http.Handler, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_Rejections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogger(t)

	cases := []struct {
		name   string
		header string
		v      stubVerifier
		p      *stubProvisioner
		status int
		code   string
	}{
		{"missing header", "", stubVerifier{}, &stubProvisioner{}, http.StatusUnauthorized, "unauthorized"},
		{"not bearer", "Basic dTpw", stubVerifier{}, &stubProvisioner{}, http.StatusUnauthorized, "unauthorized"},
		{"bad token", "Bearer x", stubVerifier{err: auth.ErrInvalidToken}, &stubProvisioner{}, http.StatusUnauthorized, "unauthorized"},
		{"provision unauthorized", "Bearer x", stubVerifier{id: auth.Identity{UserID: "u1"}}, &stubProvisioner{err: services.ErrUnauthorized}, http.StatusUnauthorized, "unauthorized"},
		{"provision failure", "Bearer x", stubVerifier{id: auth.Identity{UserID: "u1"}}, &stubProvisioner{err: errors.New("db down")}, http.StatusInternalServerError, "internal_error"},
		{"blocked", "Bearer x", stubVerifier{id: auth.Identity{UserID: "u1"}}, &stubProvisioner{user: &domain.User{ID: "u1", Blocked: true}}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(authRouter(tc.v, tc.p), tc.header)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d", w.Code, tc.status)
			}
			env := decodeEnvelope(t, w.Body.Bytes())
			if env["code"] != tc.code || env["request_id"] == "" {
				t.Fatalf("envelope=%v", env)
			}
			if tc.status == http.StatusUnauthorized && tc.p.err == nil && !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("WWW-Authenticate=%q", w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuth_VerifierRunsBeforeProvisioning(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := &stubProvisioner{}
	_ = get(authRouter(stubVerifier{err: auth.ErrInvalidToken}, p), "Bearer forged")
	if p.calls != 0 {
		t.Fatalf("provisioned a user from an unverified token")
	}
}

func TestAuth_SetsUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := stubVerifier{id: auth.Identity{UserID: "u1", Email: "u1@example.com"}}
	w := get(authRouter(v, &stubProvisioner{}), "Bearer good")
	if w.Code != http.StatusOK || w.Body.String() != "u1|u1@example.com" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogger(t)
	v := stubVerifier{id: auth.Identity{UserID: "u1"}}

	cases := []struct {
		name   string
		admins stubAdmins
		status int
	}{
		{"admin", stubAdmins{admin: true}, http.StatusOK},
		{"not admin", stubAdmins{}, http.StatusForbidden},
		{"lookup error", stubAdmins{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(authRouter(v, &stubProvisioner{}, AdminGate(tc.admins)), "Bearer x")
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d", w.Code, tc.status)
			}
		})
	}

	// Without Auth in front the gate refuses outright.
	r := gin.New()
	r.Use(AdminGate(stubAdmins{admin: true}))
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })
	if w := get(r, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", w.Code)
	}
}

func TestCurrentUser_Absent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if CurrentUser(c) != nil {
		t.Fatal("expected nil user")
	}
	c.Set(userKey, "not a user")
	if CurrentUser(c) != nil {
		t.Fatal("expected nil for wrong type")
	}
}
