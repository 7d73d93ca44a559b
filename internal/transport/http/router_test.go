package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certmint/internal/issuance/handler"
	"certmint/internal/issuance/models"
	"certmint/internal/issuance/service"
	"certmint/internal/platform/metrics"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/middleware/admin"
	"certmint/pkg/platform/middleware/request"
)

type noopService struct{}

func (noopService) Start(context.Context, service.IssueCommand) (*models.AttemptRecord, error) {
	return nil, errors.New("not used")
}

func (noopService) Get(context.Context, id.AttemptID) (*models.AttemptRecord, error) {
	return nil, errors.New("not used")
}

func (noopService) ListByCourse(context.Context, string) ([]*models.AttemptRecord, error) {
	return nil, nil
}

func (noopService) Cancel(context.Context, id.AttemptID) (*models.AttemptRecord, error) {
	return nil, errors.New("not used")
}

func (noopService) Reconcile(context.Context, string, models.CollectionID) (*models.AttemptRecord, error) {
	return &models.AttemptRecord{ID: id.NewAttemptID(), CourseID: "defi-101"}, nil
}

func newTestRouter(t *testing.T, checks map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	return NewRouter(Deps{
		Issuance:     handler.New(noopService{}, logger),
		AdminToken:   "secret",
		Logger:       logger,
		Metrics:      metrics.New(reg),
		Gatherer:     reg,
		HealthChecks: checks,
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := newTestRouter(t, map[string]HealthCheck{
			"store": func(context.Context) error { return nil },
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(request.HeaderRequestID))
	})

	t.Run("degraded", func(t *testing.T) {
		router := newTestRouter(t, map[string]HealthCheck{
			"store": func(context.Context) error { return errors.New("down") },
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "unavailable", body.Dependencies["store"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/courses/defi-101/issuances", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `certmint_http_requests_total{method="GET",route="/courses/{courseID}/issuances",status="200"} 1`)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/courses/defi-101/reconcile", strings.NewReader(`{"collection_id":"COL1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/courses/defi-101/reconcile", strings.NewReader(`{"collection_id":"COL1"}`))
	req.Header.Set(admin.HeaderAdminToken, "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
