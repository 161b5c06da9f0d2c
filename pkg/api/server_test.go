package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/eventlog"
	"github.com/applyops/applyd/pkg/executor"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/metrics"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/policy"
	"github.com/applyops/applyd/pkg/session"
	"github.com/applyops/applyd/pkg/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiHarness struct {
	router     *gin.Engine
	store      *memory.Store
	controller *session.Controller
	bridge     *intervene.Bridge
}

func newAPIHarness(t *testing.T, health HealthChecker) *apiHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.WorkerCount = 2
	cfg.Pool.PollInterval = 5 * time.Millisecond
	cfg.Pool.PollIntervalJitter = 0
	cfg.Stealth.Default = models.DomainPolicy{
		MaxPerDay:     100,
		MaxConcurrent: 10,
		Cooldown:      time.Minute,
	}

	st := memory.New()
	gov := governor.New(cfg.Stealth, cfg.Location())
	bridge := intervene.New(cfg.Intervention.Timeout)
	m := metrics.New()
	ctrl := session.NewController(
		cfg, st, eventlog.New(st), gov,
		policy.New(cfg.EffortPolicy),
		executor.NewStub(), bridge, nil, m,
	)
	srv := NewServer(ctrl, st, gov, bridge, m, health)
	return &apiHarness{router: srv.Router(), store: st, controller: ctrl, bridge: bridge}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) createSession(t *testing.T) uuid.UUID {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/v1/sessions",
		fmt.Sprintf(`{"user_id": %q, "name": "batch", "max_items": 50}`, uuid.New()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess.ID
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	failing := newAPIHarness(t, func(context.Context) error {
		return errors.New("connection refused")
	})
	w = failing.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	w := h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCreateSessionValidation(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions", `{"user_id": "not-a-uuid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	h := newAPIHarness(t, nil)
	id := h.createSession(t)

	w := h.do(t, http.MethodGet, "/api/v1/sessions/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Session models.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Session.ID)
	assert.Equal(t, models.SessionPlanned, resp.Session.Status)
	assert.Equal(t, 50, resp.Session.Limits.MaxItems)

	w = h.do(t, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSessionErrors(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueItems(t *testing.T) {
	h := newAPIHarness(t, nil)
	id := h.createSession(t)

	w := h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/items", `{
		"items": [
			{"job_url": "https://jobs.example.com/1", "match_score": 0.8, "effort_hint": "medium"},
			{"job_url": "https://boards.example.org/2", "match_score": 0.6}
		]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Enqueued     int                   `json:"enqueued"`
		Applications []*models.Application `json:"applications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Enqueued)
	assert.Equal(t, "jobs.example.com", resp.Applications[0].Domain)
	assert.Equal(t, "boards.example.org", resp.Applications[1].Domain)
}

func TestEnqueueRejectsEmptyAndBadURLs(t *testing.T) {
	h := newAPIHarness(t, nil)
	id := h.createSession(t)

	w := h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/items", `{"items": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/items",
		`{"items": [{"job_url": "ftp://example.com/x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t, nil)
	id := h.createSession(t)

	w := h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/items", `{
		"items": [
			{"job_url": "https://jobs.example.com/1", "match_score": 0.8},
			{"job_url": "https://jobs.example.com/2", "match_score": 0.7}
		]
	}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Starting twice conflicts.
	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	h.controller.Wait(id)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Session models.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.SessionCompleted, resp.Session.Status)
	assert.Equal(t, 2, resp.Session.Counters.Succeeded)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id.String()+"/events?limit=50", "")
	require.Equal(t, http.StatusOK, w.Code)
	var evResp struct {
		Events []*models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evResp))
	assert.NotEmpty(t, evResp.Events)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id.String()+"/digest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var digest models.Digest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &digest))
	assert.Equal(t, 2, digest.Counters.Succeeded)
}

func TestPauseWithoutActiveRunConflicts(t *testing.T) {
	h := newAPIHarness(t, nil)
	id := h.createSession(t)

	w := h.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInterventionEndpoints(t *testing.T) {
	h := newAPIHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/interventions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending"`)

	// No pending intervention for this application.
	w = h.do(t, http.MethodPost, "/api/v1/interventions/"+uuid.NewString()+"/resolve",
		`{"action": "resolved", "value": "4242"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Invalid action fails binding.
	w = h.do(t, http.MethodPost, "/api/v1/interventions/"+uuid.NewString()+"/resolve",
		`{"action": "shrug"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveInterventionRoundTrip(t *testing.T) {
	h := newAPIHarness(t, nil)
	appID := uuid.New()
	sessionID := uuid.New()

	got := make(chan intervene.Resolution, 1)
	go func() {
		res, err := h.bridge.Await(context.Background(), intervene.Request{
			ApplicationID: appID,
			SessionID:     sessionID,
			Kind:          intervene.KindCaptcha,
			RequestedAt:   time.Now().UTC(),
		})
		if err == nil {
			got <- res
		}
	}()

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/api/v1/interventions", "")
		return strings.Contains(w.Body.String(), appID.String())
	}, 2*time.Second, 10*time.Millisecond)

	w := h.do(t, http.MethodPost, "/api/v1/interventions/"+appID.String()+"/resolve",
		`{"action": "resolved", "value": "4242", "resolved_by": "operator"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	select {
	case res := <-got:
		assert.Equal(t, intervene.ActionResolved, res.Action)
		assert.Equal(t, "4242", res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not reach the waiter")
	}
}
