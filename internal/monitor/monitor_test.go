package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafeedhq/datafeed/internal/exchange"
	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cal := exchange.MustCalendar(exchange.Shanghai())
	mgr, err := store.OpenManager(t.TempDir(), false, cal, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	mgr.UpdateTick("SH000001", store.Tick{"timestamp": int64(1291167000)})
	return New("127.0.0.1:0", mgr, metrics.NewRegistry(), "/tmp/feed", zerolog.Nop())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.EqualValues(t, 1291167000, body.Mtime)
	assert.Equal(t, "SH", body.Calendar)
	assert.Equal(t, "/tmp/feed", body.Datadir)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datafeed_")
}

func TestUnknownPathIs404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
