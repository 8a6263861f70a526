// Package admin serves the operator HTTP API: health, engine status, live settings
// and the recent alert log.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/settings"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// StatusSource reports engine state
type StatusSource interface {
	Status() models.EngineStatus
}

// SettingsStore is the live settings owner
type SettingsStore interface {
	Snapshot() settings.Settings
	Apply(ctx context.Context, p settings.Patch) (settings.Settings, error)
}

// AlertLister reads the alert audit log
type AlertLister interface {
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
}

// Server is the admin HTTP server
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	status StatusSource
	store  SettingsStore
	alerts AlertLister
}

// NewServer creates the server and registers its routes. alerts may be nil.
func NewServer(addr string, status StatusSource, store SettingsStore, alerts AlertLister, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(logger.Writer()), gin.Recovery())

	s := &Server{
		engine: engine,
		status: status,
		store:  store,
		alerts: alerts,
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/status", s.getStatus)
	s.engine.GET("/settings", s.getSettings)
	s.engine.PATCH("/settings", s.patchSettings)
	s.engine.GET("/alerts", s.getAlerts)
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type settingsView struct {
	WindowMinutes    int64   `json:"window_minutes"`
	ThresholdPct     float64 `json:"threshold_pct"`
	Enabled          bool    `json:"enabled"`
	Destination      string  `json:"destination"`
	MaxSignalsPerDay int     `json:"max_signals_per_day"`
}

func viewOf(st settings.Settings) settingsView {
	return settingsView{
		WindowMinutes:    int64(st.Window / time.Minute),
		ThresholdPct:     st.ThresholdPct,
		Enabled:          st.Enabled,
		Destination:      st.Destination,
		MaxSignalsPerDay: st.MaxSignalsPerDay,
	}
}

type settingsPatch struct {
	WindowMinutes    *int64   `json:"window_minutes"`
	ThresholdPct     *float64 `json:"threshold_pct"`
	Enabled          *bool    `json:"enabled"`
	Destination      *string  `json:"destination"`
	MaxSignalsPerDay *int     `json:"max_signals_per_day"`
}

func (p settingsPatch) toPatch() (settings.Patch, error) {
	out := settings.Patch{
		ThresholdPct:     p.ThresholdPct,
		Enabled:          p.Enabled,
		Destination:      p.Destination,
		MaxSignalsPerDay: p.MaxSignalsPerDay,
	}
	if p.WindowMinutes != nil {
		w, err := settings.WindowFromMinutes(*p.WindowMinutes)
		if err != nil {
			return out, err
		}
		out.Window = &w
	}
	return out, nil
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine":   s.status.Status(),
		"settings": viewOf(s.store.Snapshot()),
	})
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, viewOf(s.store.Snapshot()))
}

func (s *Server) patchSettings(c *gin.Context) {
	var body settingsPatch
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch, err := body.toPatch()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := s.store.Apply(c.Request.Context(), patch)
	switch {
	case errors.Is(err, settings.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Error("Settings applied but not persisted: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "settings": viewOf(updated)})
		return
	}

	logger.Info("Settings updated via admin API: %+v", viewOf(updated))
	c.JSON(http.StatusOK, viewOf(updated))
}

func (s *Server) getAlerts(c *gin.Context) {
	if s.alerts == nil {
		c.JSON(http.StatusOK, []models.Alert{})
		return
	}

	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := s.alerts.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}
