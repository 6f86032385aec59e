package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/tasks/:id", func(c *gin.Context) { c.String(http.StatusOK, "hello") })

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/tasks/:id", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404"))

	for _, p := range []string{"/tasks/a", "/tasks/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-admin/x.php", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/tasks/:id", "200")) - baseOK; got != 2 {
		t.Fatalf("templated counter delta=%v", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404")) - baseMiss; got != 1 {
		t.Fatalf("unmatched counter delta=%v", got)
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight gauge=%v after requests", got)
	}
	if n := testutil.CollectAndCount(httpLat); n == 0 {
		t.Fatal("latency histogram empty")
	}
}
