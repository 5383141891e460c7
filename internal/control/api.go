// Package control exposes the operator-facing HTTP surface: health, the
// repo registry, live classifier overrides, and the routed-request history
// backed by internal/storage.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"routerd/internal/pipeline"
	"routerd/internal/session"
	"routerd/internal/storage"
)

// Handler serves the /control/* API.
type Handler struct {
	registry     *pipeline.Registry
	overrides    *session.OverrideStore
	historyStore *storage.SQLiteStore
	startedAt    time.Time
	mux          *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler. historyStore may be nil, in which case
// the history/stats/timeseries endpoints report 503.
func New(registry *pipeline.Registry, overrides *session.OverrideStore, historyStore *storage.SQLiteStore) *Handler {
	return NewWithAuth(registry, overrides, historyStore, false, "")
}

// NewWithAuth creates a control API handler with bearer-token auth enabled
// or disabled.
func NewWithAuth(registry *pipeline.Registry, overrides *session.OverrideStore, historyStore *storage.SQLiteStore, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		registry:     registry,
		overrides:    overrides,
		historyStore: historyStore,
		startedAt:    time.Now(),
		mux:          http.NewServeMux(),
		authEnabled:  authEnabled,
		apiKey:       apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/repos", h.handleRepos)
	h.mux.HandleFunc("/control/overrides", h.handleOverrides)
	h.mux.HandleFunc("/control/overrides/", h.handleOverrideSession)
	h.mux.HandleFunc("/control/history", h.handleHistory)
	h.mux.HandleFunc("/control/history/stats", h.handleHistoryStats)
	h.mux.HandleFunc("/control/history/timeseries", h.handleTimeSeries)
	h.mux.HandleFunc("/control/history/", h.handleHistoryRequest)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="routerd Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

// checkAuth verifies the request carries a valid API key.
func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		}
		if authHeader == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

// handleHealth handles GET /control/health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		BuildID:   pipeline.BuildID,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
	})
}

// handleRepos handles GET /control/repos
func (h *Handler) handleRepos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	repos := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repos": repos,
		"count": len(repos),
	})
}

// handleOverrides handles GET /control/overrides
func (h *Handler) handleOverrides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := time.Now()
	live := h.overrides.List(now)
	infos := make(map[string]OverrideInfo, len(live))
	for sessionID, o := range live {
		infos[sessionID] = OverrideInfo{
			Complexity:          string(o.Complexity),
			RemainingSeconds:    int(time.Until(o.ExpiresAt).Seconds()),
			TTLMinutes:          o.TTLMinutes,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"overrides": infos,
		"count":     len(infos),
	})
}

// handleOverrideSession handles GET/DELETE /control/overrides/{sessionID}
func (h *Handler) handleOverrideSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/control/overrides/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		o, ok := h.overrides.Get(sessionID, time.Now())
		if !ok {
			http.Error(w, "No active override for session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, OverrideInfo{
			Complexity:       string(o.Complexity),
			RemainingSeconds: int(time.Until(o.ExpiresAt).Seconds()),
			TTLMinutes:       o.TTLMinutes,
		})
	case http.MethodDelete:
		h.overrides.Clear(sessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "session_id": sessionID})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHistory handles GET /control/history
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	opts := storage.ListRequestsOptions{
		Limit:      50,
		Repo:       query.Get("repo"),
		Complexity: query.Get("complexity"),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}
	if sinceStr := query.Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			opts.Since = &since
		}
	}
	if untilStr := query.Get("until"); untilStr != "" {
		if until, err := time.Parse(time.RFC3339, untilStr); err == nil {
			opts.Until = &until
		}
	}

	requests, err := h.historyStore.ListRequests(opts)
	if err != nil {
		slog.Error("failed to list history", "error", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

// handleHistoryStats handles GET /control/history/stats
func (h *Handler) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	var since *time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if s, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = &s
		}
	}

	stats, err := h.historyStore.GetStats(since)
	if err != nil {
		slog.Error("failed to get history stats", "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTimeSeries handles GET /control/history/timeseries
func (h *Handler) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	since := time.Now().Add(-24 * time.Hour)
	if sinceStr := query.Get("since"); sinceStr != "" {
		if s, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = s
		}
	}
	interval := query.Get("interval")
	if interval == "" {
		interval = "hour"
	}

	points, err := h.historyStore.GetTimeSeries(since, interval)
	if err != nil {
		slog.Error("failed to get time series", "error", err)
		http.Error(w, "Failed to retrieve time series", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interval": interval,
		"since":    since,
		"points":   points,
	})
}

// handleHistoryRequest handles GET /control/history/{requestID}
func (h *Handler) handleHistoryRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.historyStore == nil {
		http.Error(w, "History storage not enabled", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/control/history/")
	if path == "" || path == "stats" || path == "timeseries" {
		http.Error(w, "Request ID required", http.StatusBadRequest)
		return
	}
	requestID := strings.Split(path, "/")[0]

	record, err := h.historyStore.GetRequest(requestID)
	if err != nil {
		slog.Error("failed to get request from history", "request_id", requestID, "error", err)
		http.Error(w, "Failed to retrieve request", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Request not found in history", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	BuildID   string `json:"build_id"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// OverrideInfo is the API-facing view of a live classifier override.
type OverrideInfo struct {
	Complexity       string `json:"complexity"`
	RemainingSeconds int    `json:"remaining_seconds"`
	TTLMinutes       int    `json:"ttl_minutes"`
}
