package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/server"
	"github.com/gkobilansky/abkit/internal/stats"
	"github.com/gkobilansky/abkit/internal/store"
	"github.com/gkobilansky/abkit/internal/testutil"
)

const testToken = "secret-token"

func hero() *store.Experiment {
	return &store.Experiment{
		ID:   "hero",
		Name: "Hero headline",
		Variants: []store.Variant{
			{ID: "control", Name: "Ship Faster", Weight: 0.5},
			{ID: "b", Name: "Build Better", Weight: 0.5},
		},
		StartTime:       time.Now().Add(-time.Hour),
		TrafficFraction: 1,
		ConversionGoals: []string{"signup"},
		Enabled:         true,
	}
}

func setup(t *testing.T) (*server.Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(testutil.SetupTestStore(t))
	require.NoError(t, eng.RegisterExperiment(context.Background(), hero()))
	return server.New(eng, server.WithToken(testToken), server.WithRegistry(prometheus.NewRegistry())), eng
}

func do(srv *server.Server, method, target string, body any, authed bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp server.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ExperimentsCount)
}

func TestActiveExperiments(t *testing.T) {
	srv, eng := setup(t)
	disabled := hero()
	disabled.ID = "checkout"
	disabled.Enabled = false
	require.NoError(t, eng.RegisterExperiment(context.Background(), disabled))

	w := do(srv, http.MethodGet, "/api/experiments", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var resp []server.ExperimentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "hero", resp[0].ID)
	assert.Len(t, resp[0].Variants, 2)
}

func TestAssign_Sticky(t *testing.T) {
	srv, _ := setup(t)

	var first server.AssignResponse
	w := do(srv, http.MethodGet, "/api/assign?e=hero&vid=visitor-1", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&first))
	require.True(t, first.InExperiment)
	require.NotNil(t, first.Variant)

	for i := 0; i < 5; i++ {
		var again server.AssignResponse
		w := do(srv, http.MethodGet, "/api/assign?e=hero&vid=visitor-1", nil, false)
		require.NoError(t, json.NewDecoder(w.Body).Decode(&again))
		assert.Equal(t, first.Variant.ID, again.Variant.ID)
	}
}

func TestAssign_NotInExperiment(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/api/assign?e=missing&vid=visitor-1", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"in_experiment":false}`, w.Body.String())
}

func TestAssign_MissingParams(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/api/assign?e=hero", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBeacon_RecordsConversion(t *testing.T) {
	srv, eng := setup(t)
	ctx := context.Background()

	v, err := eng.GetVariant(ctx, "hero", "visitor-1")
	require.NoError(t, err)
	require.NotNil(t, v)

	for _, name := range []string{"page_view", "signup"} {
		w := do(srv, http.MethodPost, "/b", server.BeaconRequest{
			ExperimentID: "hero", EventName: name, VisitorID: "visitor-1",
		}, false)
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	var got stats.VariantStats
	for _, vs := range eng.CalculateStats(ctx, "hero") {
		if vs.VariantID == v.ID {
			got = vs
		}
	}
	assert.Equal(t, 1, got.Visitors)
	assert.Equal(t, 1, got.Conversions)
}

func TestBeacon_Validation(t *testing.T) {
	srv, _ := setup(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing visitor", `{"e":"hero","n":"signup"}`, http.StatusBadRequest},
		{"missing event name", `{"e":"hero","vid":"v1"}`, http.StatusBadRequest},
		{"unassigned visitor is accepted", `{"e":"hero","n":"signup","vid":"stranger"}`, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/b", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestBeacon_Preflight(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodOptions, "/b", nil, false)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestDashboard_RequiresToken(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/dashboard/api/experiments", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/api/experiments", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboard_QueryTokenSetsCookie(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/dashboard/api/experiments?token="+testToken, nil, false)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard/api/experiments", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/api/experiments", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDashboard_Register(t *testing.T) {
	srv, _ := setup(t)

	exp := hero()
	exp.ID = "pricing"
	w := do(srv, http.MethodPost, "/dashboard/api/experiments", exp, true)
	require.Equal(t, http.StatusCreated, w.Code)

	var stored store.Experiment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stored))
	assert.Equal(t, "pricing", stored.ID)
	assert.Equal(t, engine.DefaultSignificanceThreshold, stored.SignificanceThreshold)
}

func TestDashboard_RegisterInvalid(t *testing.T) {
	srv, _ := setup(t)

	exp := hero()
	exp.Variants[1].Weight = 0.6
	w := do(srv, http.MethodPost, "/dashboard/api/experiments", exp, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid experiment config")
}

func TestDashboard_Stats(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodGet, "/dashboard/api/experiments/hero/stats", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp server.StatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Active)
	assert.Len(t, resp.Variants, 2)

	w = do(srv, http.MethodGet, "/dashboard/api/experiments/missing/stats", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboard_StatsUseEngineClock(t *testing.T) {
	eng := engine.New(testutil.SetupTestStore(t), engine.WithClock(func() time.Time {
		return time.Now().Add(-48 * time.Hour)
	}))
	require.NoError(t, eng.RegisterExperiment(context.Background(), hero()))
	srv := server.New(eng, server.WithToken(testToken), server.WithRegistry(prometheus.NewRegistry()))

	w := do(srv, http.MethodGet, "/dashboard/api/experiments/hero/stats", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp server.StatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Active, "experiment has not started at the engine's clock")
	assert.Empty(t, resp.Variants)
}

func TestDashboard_KillSwitch(t *testing.T) {
	srv, _ := setup(t)

	w := do(srv, http.MethodPost, "/dashboard/api/experiments/hero/enabled", map[string]bool{"enabled": false}, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(srv, http.MethodGet, "/api/assign?e=hero&vid=visitor-1", nil, false)
	assert.JSONEq(t, `{"in_experiment":false}`, w.Body.String())

	w = do(srv, http.MethodPost, "/dashboard/api/experiments/hero/enabled", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPost, "/dashboard/api/experiments/missing/enabled", map[string]bool{"enabled": true}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboard_ExportAndReset(t *testing.T) {
	srv, eng := setup(t)
	_, err := eng.GetVariant(context.Background(), "hero", "visitor-1")
	require.NoError(t, err)

	w := do(srv, http.MethodGet, "/dashboard/api/export?e=hero", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	require.Len(t, snap.Experiments, 1)
	assert.Len(t, snap.Experiments[0].Assignments, 1)

	w = do(srv, http.MethodPost, "/dashboard/api/reset", nil, true)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(srv, http.MethodGet, "/health", nil, false)
	var health server.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Zero(t, health.ExperimentsCount)
}

func TestMetrics(t *testing.T) {
	srv, _ := setup(t)
	do(srv, http.MethodGet, "/health", nil, false)

	w := do(srv, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `abkit_http_requests_total{code="200",route="/health"} 1`)
}

func TestGlobalJS(t *testing.T) {
	srv, _ := setup(t)

	req := httptest.NewRequest(http.MethodGet, "http://ab.example.com/abkit.js", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))

	script := w.Body.String()
	for _, expected := range []string{
		"var S='http://ab.example.com'",
		"localStorage.getItem('abkit_vid')",
		"/api/assign?e=",
		"S+'/b'",
		"window.abkit=",
	} {
		assert.Contains(t, script, expected)
	}
}
