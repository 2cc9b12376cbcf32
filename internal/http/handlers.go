// Package httpapi bundles the gateway's operational HTTP surface: liveness,
// readiness, JSON metrics, and a token-protected admin endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/metrics"
)

// ReadinessProvider exposes the gateway state required for readiness checks.
type ReadinessProvider interface {
	ConnectionCount() int
	RoomCount() int
	StartupError() error
	Uptime() time.Duration
}

// FailoverFunc reports whether the broker bridge is degraded and since when.
type FailoverFunc func() (bool, time.Time)

// Disconnector force-closes every connection belonging to a user and returns
// how many were torn down.
type Disconnector interface {
	DisconnectUser(ctx context.Context, userID string) int
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Delivery     *metrics.DeliveryMetrics
	Failover     FailoverFunc
	Disconnector Disconnector
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the gateway operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	delivery     *metrics.DeliveryMetrics
	failover     FailoverFunc
	disconnector Disconnector
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		delivery:     opts.Delivery,
		failover:     opts.Failover,
		disconnector: opts.Disconnector,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/disconnect", h.DisconnectHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports gateway readiness, including connection and room counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		Rooms         int     `json:"rooms"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Connections = h.readiness.ConnectionCount()
			resp.Rooms = h.readiness.RoomCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits a JSON snapshot of gateway gauges and counters.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	type bridgeState struct {
		FailedOver bool   `json:"failed_over"`
		Since      string `json:"since,omitempty"`
	}
	type response struct {
		UptimeSeconds    float64          `json:"uptime_seconds"`
		Connections      int              `json:"connections"`
		Rooms            int              `json:"rooms"`
		BytesPerConn     map[string]int64 `json:"bytes_per_conn,omitempty"`
		DeliveredPerRoom map[string]int64 `json:"delivered_per_room,omitempty"`
		DropsPerRoom     map[string]int64 `json:"drops_per_room,omitempty"`
		Bridge           bridgeState      `json:"bridge"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{}
		if h.readiness != nil {
			resp.Connections = h.readiness.ConnectionCount()
			resp.Rooms = h.readiness.RoomCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
		}
		if h.delivery != nil {
			resp.BytesPerConn = h.delivery.BytesPerConn()
			resp.DeliveredPerRoom = h.delivery.DeliveredPerRoom()
			resp.DropsPerRoom = h.delivery.DropsPerRoom()
		}
		if h.failover != nil {
			degraded, since := h.failover()
			resp.Bridge.FailedOver = degraded
			if degraded {
				resp.Bridge.Since = since.UTC().Format(time.RFC3339Nano)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DisconnectHandler authorises and force-closes all of a user's connections.
func (h *HandlerSet) DisconnectHandler() http.HandlerFunc {
	type response struct {
		Status       string `json:"status"`
		Disconnected int    `json:"disconnected"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "admin_disconnect"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("disconnect denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("disconnect denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("disconnect denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("user"))
		if userID == "" {
			http.Error(w, "user query parameter required", http.StatusBadRequest)
			return
		}
		if h.disconnector == nil {
			http.Error(w, "disconnect is unavailable", http.StatusServiceUnavailable)
			return
		}
		count := h.disconnector.DisconnectUser(r.Context(), userID)
		reqLogger.Info("admin disconnect",
			logging.String("user_id", userID), logging.Int("connections", count))
		writeJSON(w, http.StatusOK, response{Status: "ok", Disconnected: count})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
