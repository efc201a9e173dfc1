package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trapwatch/go-mqtt-server/internal/config"
	"trapwatch/go-mqtt-server/internal/model"
)

// trapResponse is the HTTP form of a trap with availability evaluated now.
type trapResponse struct {
	TrapID         string    `json:"trap_id"`
	Address        string    `json:"address"`
	Tripped        bool      `json:"tripped"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
	RSSI           int       `json:"rssi"`
	Available      bool      `json:"available"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Updates        uint64    `json:"updates"`
}

func newTrapResponse(v model.TrapView) trapResponse {
	resp := trapResponse{
		TrapID:    v.TrapID,
		Address:   v.Address,
		Tripped:   v.Tripped,
		RSSI:      v.RSSI,
		Available: v.Available,
		FirstSeen: v.FirstSeen,
		LastSeen:  v.LastSeen,
		Updates:   v.Updates,
	}
	if v.HasBattery {
		volts := model.RoundVoltage(v.BatteryVoltage)
		resp.BatteryVoltage = &volts
	}
	return resp
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/traps", a.handleListTraps)
		r.Get("/traps/{trapID}", a.handleGetTrap)
		r.Get("/observations", a.handleRecentObservations)
		r.Get("/rejects", a.handleRecentRejects)
		r.Get("/config", a.serveConfig)
		r.Post("/config", a.updateConfig)
		r.Post("/admin/wipe", a.handleWipeDatabase)
	})

	return r
}

func (a *App) metricsRoutes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", a.metrics.Handler())
	return r
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	db := a.db()
	if db == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store unavailable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleListTraps(w http.ResponseWriter, r *http.Request) {
	views := a.registry.Devices()

	traps := make([]trapResponse, 0, len(views))
	for _, v := range views {
		if r.URL.Query().Get("available") == "true" && !v.Available {
			continue
		}
		traps = append(traps, newTrapResponse(v))
	}

	a.writeJSON(w, http.StatusOK, struct {
		Traps      []trapResponse `json:"traps"`
		StaleAfter string         `json:"stale_after"`
	}{Traps: traps, StaleAfter: a.registry.StaleAfter().String()})
}

func (a *App) handleGetTrap(w http.ResponseWriter, r *http.Request) {
	trapID := strings.ToUpper(chi.URLParam(r, "trapID"))

	view, ok := a.registry.View(trapID)
	if !ok {
		http.Error(w, "trap not found", http.StatusNotFound)
		return
	}

	a.writeJSON(w, http.StatusOK, newTrapResponse(view))
}

func (a *App) handleRecentObservations(w http.ResponseWriter, r *http.Request) {
	db := a.db()
	if db == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339Nano, since); err == nil {
			sinceOpt = &ts
		} else {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
	}

	limit := queryLimit(r, 25, 250)
	trapID := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("trap_id")))

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	observations, err := db.RecentObservations(ctx, trapID, limit, sinceOpt)
	if err != nil {
		a.logger.Error("failed to load recent observations", "error", err)
		http.Error(w, "failed to load observations", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Observations []model.Observation `json:"observations"`
	}{Observations: observations})
}

func (a *App) handleRecentRejects(w http.ResponseWriter, r *http.Request) {
	db := a.db()
	if db == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := queryLimit(r, 50, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rejects, err := db.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load rejects", http.StatusInternalServerError)
		return
	}
	if rejects == nil {
		rejects = []model.IngestionError{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Rejects []model.IngestionError `json:"rejects"`
	}{Rejects: rejects})
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	db := a.db()
	if db == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := db.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	variants := make([]string, 0, len(a.cfg.Variants))
	for _, v := range a.cfg.Variants {
		variants = append(variants, v.String())
	}

	active := map[string]any{
		"http_port":          a.cfg.HTTPPort,
		"mqtt_bind":          a.cfg.MQTTBindAddress,
		"metrics_port":       a.cfg.MetricsPort,
		"database_path":      a.cfg.DatabasePath,
		"log_level":          a.cfg.LogLevel,
		"vendor_id":          a.decoder.VendorID(),
		"stale_after":        a.registry.StaleAfter().String(),
		"variants":           variants,
		"queue_size":         a.cfg.QueueSize,
		"adv_topic_prefix":   a.cfg.AdvTopicPrefix,
		"state_topic_prefix": a.cfg.StateTopicPrefix,
		"upstream_broker":    a.cfg.UpstreamBroker,
	}

	a.writeJSON(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	})
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	db := a.db()
	if db == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	keys := make([]string, 0, len(req))
	for key := range req {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	updates := []updateResult{}
	for _, key := range keys {
		value := strings.TrimSpace(req[key])
		known, err := config.ValidatePersisted(key, value)
		if !known {
			continue
		}
		if err != nil {
			http.Error(w, "invalid value for "+key+": "+err.Error(), http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: key, Value: value})
	}

	if len(updates) == 0 {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no supported fields provided"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, u := range updates {
		if err := db.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update app config", "key", u.Key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{
		Updates:         updates,
		RequiresRestart: true,
	})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	db := a.db()
	if db == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := db.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: observation journal cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 || parsed > max {
		return def
	}
	return parsed
}
