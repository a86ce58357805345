// Package handler exposes the read-only HTTP API, the Prometheus metrics
// endpoint and the live decision feed.
package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energomat/energomat/charging"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/decision"
	"github.com/energomat/energomat/pricing"
	"github.com/energomat/energomat/selling"
	"github.com/energomat/energomat/storage"
)

// Controller is the coordinator surface the API reads from.
type Controller interface {
	CurrentState() (inverter.Snapshot, float64, bool)
	PriceCurve() (pricing.Curve, bool)
	Thresholds() pricing.Thresholds
	ChargingSession() *charging.Session
	SellingSession() *selling.Session
	RecentDecisions(n int) []decision.Record
	Efficiency() float64
	Subscribe() (<-chan decision.Record, func())
	Store() storage.Store
	ForceAction(action string) error
	Reload() error
}

// Handler holds HTTP handler dependencies.
type Handler struct {
	ctrl     Controller
	registry *prometheus.Registry
	started  time.Time
	upgrader websocket.Upgrader
}

// New creates a new HTTP handler.
func New(ctrl Controller, registry *prometheus.Registry) *Handler {
	return &Handler{
		ctrl:     ctrl,
		registry: registry,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// NewRouter creates and configures the HTTP router.
func (h *Handler) NewRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RealIP)
		r.Get("/health", h.healthHandler)
		r.Get("/metrics", h.metricsHandler())
		r.Get("/status", h.statusHandler)
		r.Get("/current-state", h.currentStateHandler)
		r.Get("/decisions", h.decisionsHandler)
		r.Get("/summary", h.summaryHandler)
		r.Get("/prices", h.pricesHandler)
		r.Get("/live", h.liveHandler)
	})

	// Mutating endpoints are restricted to the local machine. The check
	// runs on the raw socket peer; RealIP must stay out of this group or a
	// forged X-Real-IP header would defeat it.
	r.Group(func(r chi.Router) {
		r.Use(localhostOnly)
		r.Post("/control", h.controlHandler)
		r.Post("/config", h.configHandler)
	})

	return r
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) metricsHandler() http.HandlerFunc {
	var ph http.Handler
	if h.registry != nil {
		ph = promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
	} else {
		ph = promhttp.Handler()
	}
	return ph.ServeHTTP
}

// StatusResponse is the full service view.
type StatusResponse struct {
	UptimeSeconds   float64            `json:"uptime_seconds"`
	Snapshot        *inverter.Snapshot `json:"snapshot,omitempty"`
	PricePLNKWh     float64            `json:"price_pln_kwh"`
	Thresholds      pricing.Thresholds `json:"thresholds"`
	ChargingSession *charging.Session  `json:"charging_session,omitempty"`
	SellingSession  *selling.Session   `json:"selling_session,omitempty"`
	EfficiencyScore float64            `json:"efficiency_score"`
	LastDecisions   []decision.Record  `json:"last_decisions"`
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap, price, ok := h.ctrl.CurrentState()
	resp := StatusResponse{
		UptimeSeconds:   time.Since(h.started).Seconds(),
		PricePLNKWh:     price,
		Thresholds:      h.ctrl.Thresholds(),
		ChargingSession: h.ctrl.ChargingSession(),
		SellingSession:  h.ctrl.SellingSession(),
		EfficiencyScore: h.ctrl.Efficiency(),
		LastDecisions:   h.ctrl.RecentDecisions(10),
	}
	if ok {
		resp.Snapshot = &snap
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) currentStateHandler(w http.ResponseWriter, r *http.Request) {
	snap, price, ok := h.ctrl.CurrentState()
	if !ok {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no inverter data yet"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":      snap,
		"price_pln_kwh": price,
	})
}

func (h *Handler) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	rangeStr := r.URL.Query().Get("time_range")
	if rangeStr == "" {
		h.writeJSON(w, http.StatusOK, h.ctrl.RecentDecisions(50))
		return
	}
	d, err := time.ParseDuration(rangeStr)
	if err != nil || d <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid time_range"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	now := time.Now()
	recs, err := h.ctrl.Store().Decisions(ctx, now.Add(-d), now)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// summaryHandler aggregates a month of decisions. Defaults to the current
// month; ?month=2026-01 selects another.
func (h *Handler) summaryHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	year, month := now.Year(), now.Month()
	if m := r.URL.Query().Get("month"); m != "" {
		t, err := time.Parse("2006-01", m)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid month, want YYYY-MM"})
			return
		}
		year, month = t.Year(), t.Month()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	sum, err := h.ctrl.Store().Summary(ctx, year, month)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) pricesHandler(w http.ResponseWriter, r *http.Request) {
	curve, ok := h.ctrl.PriceCurve()
	if !ok {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no price data yet"})
		return
	}
	h.writeJSON(w, http.StatusOK, curve.Points())
}

// liveHandler streams decision records over a websocket.
func (h *Handler) liveHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

// ControlRequest is the force-action payload. "command" is the canonical
// key; "action" is accepted as an alias.
type ControlRequest struct {
	Command string `json:"command"` // charge, discharge, auto
	Action  string `json:"action"`
}

func (h *Handler) controlHandler(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	cmd := req.Command
	if cmd == "" {
		cmd = req.Action
	}
	if err := h.ctrl.ForceAction(cmd); err != nil {
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "command": cmd})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Reload(); err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// localhostOnly rejects mutating requests from non-loopback peers.
func localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "local access only"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
