package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestHTTPMetricsMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/api/messages/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/messages/:id", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/messages/5", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/messages/:id", "200"))

	assert.Equal(t, before+1, after)
}

func TestLiveEventCounter(t *testing.T) {
	before := testutil.ToFloat64(liveEventsTotal.WithLabelValues("dropped"))
	IncLiveEvent("dropped")
	assert.Equal(t, before+1, testutil.ToFloat64(liveEventsTotal.WithLabelValues("dropped")))
}
