package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/settings"
)

type staticStatus struct{}

func (staticStatus) Status() models.EngineStatus {
	return models.EngineStatus{State: "sleeping", Source: "poll", Symbols: 200, Cycles: 7}
}

type fakeAlerts struct {
	alerts    []models.Alert
	err       error
	lastLimit int
}

func (f *fakeAlerts) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	f.lastLimit = limit
	return f.alerts, f.err
}

func newTestServer(t *testing.T, alerts AlertLister) (*Server, *settings.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := settings.NewStore(settings.Settings{
		Window: 10 * time.Minute, ThresholdPct: 5, Enabled: true, Destination: "42", MaxSignalsPerDay: 5,
	}, nil)
	require.NoError(t, err)
	return NewServer("127.0.0.1:0", staticStatus{}, store, alerts, true), store
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Engine   models.EngineStatus `json:"engine"`
		Settings settingsView        `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "sleeping", body.Engine.State)
	assert.Equal(t, 200, body.Engine.Symbols)
	assert.Equal(t, int64(10), body.Settings.WindowMinutes)
}

func TestPatchSettings(t *testing.T) {
	s, store := newTestServer(t, nil)

	w := do(t, s, http.MethodPatch, "/settings", `{"window_minutes": 15, "threshold_pct": 3.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got settingsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(15), got.WindowMinutes)
	assert.Equal(t, 3.5, got.ThresholdPct)
	assert.True(t, got.Enabled, "fields absent from the patch stay unchanged")
	assert.Equal(t, 15*time.Minute, store.Snapshot().Window)

	w = do(t, s, http.MethodGet, "/settings", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3.5, got.ThresholdPct)
}

func TestPatchSettingsRejected(t *testing.T) {
	s, store := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"threshold_pct":`},
		{"wrong type", `{"enabled": "yes"}`},
		{"invalid value", `{"threshold_pct": 0}`},
		{"zero window", `{"window_minutes": 0}`},
		{"overflowing window", `{"window_minutes": 9223372036854775807}`},
		{"fractional window", `{"window_minutes": 1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPatch, "/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Equal(t, 5.0, store.Snapshot().ThresholdPct)
}

func TestGetAlerts(t *testing.T) {
	alerts := &fakeAlerts{alerts: []models.Alert{{ID: "a-1", Symbol: "XYZUSDT", DailyCount: 1}}}
	s, _ := newTestServer(t, alerts)

	w := do(t, s, http.MethodGet, "/alerts?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []models.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a-1", got[0].ID)
	assert.Equal(t, 5, alerts.lastLimit)

	do(t, s, http.MethodGet, "/alerts?limit=100000", "")
	assert.Equal(t, maxAlertLimit, alerts.lastLimit)

	do(t, s, http.MethodGet, "/alerts", "")
	assert.Equal(t, defaultAlertLimit, alerts.lastLimit)

	w = do(t, s, http.MethodGet, "/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	alerts.err = errors.New("database is locked")
	w = do(t, s, http.MethodGet, "/alerts", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetAlertsWithoutStorage(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/alerts", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
