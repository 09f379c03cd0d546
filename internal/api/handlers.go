// Package api provides the HTTP handlers for reading the register snapshot
// and writing holding registers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-edge/register-poller/internal/adapter/config"
	"github.com/nexus-edge/register-poller/internal/adapter/mqtt"
	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/service"
	"github.com/rs/zerolog"
)

// =============================================================================
// Security Middleware
// =============================================================================

// Middleware wraps an http.Handler with security checks.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// CORS adds CORS headers based on configuration.
// Returns true if this was a preflight request that was handled.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowedOrigin = origin
				break
			}
		}
	}

	if allowedOrigin == "" {
		m.logger.Warn().
			Str("origin", origin).
			Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}

	return false
}

// Secure applies CORS, the body size limit and API key authentication.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}

		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}

		if m.config.AuthEnabled {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}

			if apiKey == "" || apiKey != m.config.APIKey {
				m.logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Bool("key_present", apiKey != "").
					Msg("Authentication failed")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

// ReadOnly applies CORS but no auth (for public read endpoints).
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}
		next(w, r)
	}
}

// =============================================================================
// Handlers
// =============================================================================

// Poller is the part of the coordinator the API reads from and writes through.
type Poller interface {
	Snapshot() *domain.Snapshot
	LastUpdateSuccess() bool
	LastError() error
	Registers() []domain.RegisterEntry
	Diagnostics() *service.Diagnostics
	Stats() service.StatsSnapshot
	WriteRegister(ctx context.Context, address uint16, value int) error
}

// TopicTracker provides a runtime view of recently published topics.
// Implemented by the MQTT publisher.
type TopicTracker interface {
	ActiveTopics(limit int) []mqtt.TopicStat
}

// SubscriptionProvider provides the MQTT subscription patterns used by the poller.
// Implemented by the command handler.
type SubscriptionProvider interface {
	SubscribedTopics() []string
}

// Handler serves the register API.
type Handler struct {
	poller        Poller
	registers     domain.RegisterMap
	middleware    *Middleware
	logger        zerolog.Logger
	writeTimeout  time.Duration
	topicTracker  TopicTracker
	subscriptions SubscriptionProvider
}

// NewHandler creates a new API handler. Writes are only accepted for
// registers the register map marks writable.
func NewHandler(poller Poller, registers domain.RegisterMap, cfg config.APIConfig, logger zerolog.Logger) *Handler {
	if registers == nil {
		registers = domain.RegisterMap{}
	}
	return &Handler{
		poller:       poller,
		registers:    registers,
		middleware:   NewMiddleware(cfg, logger),
		logger:       logger.With().Str("component", "api").Logger(),
		writeTimeout: 10 * time.Second,
	}
}

// SetWriteTimeout bounds how long a write request may take, including the
// refresh that follows it.
func (h *Handler) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		h.writeTimeout = d
	}
}

// SetTopicTracker wires in a runtime topic tracker (optional).
func (h *Handler) SetTopicTracker(tracker TopicTracker) {
	h.topicTracker = tracker
}

// SetSubscriptionProvider wires in a subscription provider (optional).
func (h *Handler) SetSubscriptionProvider(provider SubscriptionProvider) {
	h.subscriptions = provider
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/status", h.middleware.ReadOnly(h.StatusHandler))
	mux.HandleFunc("/api/snapshot", h.middleware.ReadOnly(h.SnapshotHandler))
	mux.HandleFunc("/api/registers", h.middleware.ReadOnly(h.RegistersHandler))
	mux.HandleFunc("/api/registers/", h.middleware.Secure(h.WriteHandler))
	mux.HandleFunc("/api/topics", h.middleware.ReadOnly(h.TopicsOverviewHandler))
}

// SnapshotResponse is the body of GET /api/snapshot.
type SnapshotResponse struct {
	Cycle             uint64                 `json:"cycle"`
	UpdatedAt         *time.Time             `json:"updated_at,omitempty"`
	LastUpdateSuccess bool                   `json:"last_update_success"`
	LastError         string                 `json:"last_error,omitempty"`
	ErrorKind         domain.ErrorKind       `json:"error_kind,omitempty"`
	Registers         map[string]interface{} `json:"registers"`
	Points            []*domain.DataPoint    `json:"points"`
}

// SnapshotHandler returns the latest snapshot, keyed and scaled.
func (h *Handler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.poller.Snapshot()
	resp := SnapshotResponse{
		Cycle:             snap.Cycle,
		LastUpdateSuccess: h.poller.LastUpdateSuccess(),
		Registers:         snap.ByKey(),
		Points:            make([]*domain.DataPoint, 0, snap.Len()),
	}
	if !snap.UpdatedAt.IsZero() {
		at := snap.UpdatedAt
		resp.UpdatedAt = &at
	}
	if err := h.poller.LastError(); err != nil {
		resp.LastError = err.Error()
		resp.ErrorKind = domain.Kind(err)
	}
	for _, addr := range snap.Addresses() {
		def, _ := h.registers.Lookup(addr)
		reading, _ := snap.Reading(addr)
		resp.Points = append(resp.Points, domain.NewDataPoint(reading, def, snap.UpdatedAt))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// RegisterInfo describes one polled register.
type RegisterInfo struct {
	Address  uint16                  `json:"address"`
	Key      string                  `json:"key"`
	Type     domain.DataType         `json:"type"`
	Name     string                  `json:"name,omitempty"`
	Unit     string                  `json:"unit,omitempty"`
	Scale    float64                 `json:"scale,omitempty"`
	Writable bool                    `json:"writable"`
	Health   *service.RegisterHealth `json:"health,omitempty"`
}

// RegistersHandler returns the polled registers with their definitions and
// read diagnostics.
func (h *Handler) RegistersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := h.poller.Registers()
	diag := h.poller.Diagnostics()
	out := make([]RegisterInfo, 0, len(entries))
	for _, e := range entries {
		def, _ := h.registers.Lookup(e.Address)
		info := RegisterInfo{
			Address:  e.Address,
			Key:      domain.Key(e.Address),
			Type:     e.Type,
			Name:     def.Name,
			Unit:     def.Unit,
			Scale:    def.Scale,
			Writable: def.Writable,
		}
		if diag != nil {
			if hlt, ok := diag.Get(e.Address); ok {
				info.Health = &hlt
			}
		}
		out = append(out, info)
	}

	h.writeJSON(w, http.StatusOK, out)
}

// WriteRequest is the body of POST /api/registers/{address}/write.
type WriteRequest struct {
	Value *int `json:"value"`
}

// WriteResult is the body returned for a write request.
type WriteResult struct {
	Register string `json:"register"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// WriteHandler writes a holding register. The path is
// /api/registers/{address}/write where address is a number or a register key.
func (h *Handler) WriteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/registers/")
	ref, ok := strings.CutSuffix(rest, "/write")
	if !ok || ref == "" || strings.Contains(ref, "/") {
		h.writeResult(w, http.StatusNotFound, rest, errors.New("not found"))
		return
	}

	address, err := service.ParseRegisterRef(ref)
	if err != nil {
		h.writeResult(w, http.StatusNotFound, ref, err)
		return
	}
	key := domain.Key(address)

	if _, known := h.registers.Lookup(address); !known {
		h.writeResult(w, http.StatusNotFound, key, domain.ErrUnknownRegister)
		return
	}
	if !h.registers.Writable(address) {
		h.writeResult(w, http.StatusForbidden, key, domain.ErrNotWritable)
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Str("register", key).Msg("Failed to decode write request")
		h.writeResult(w, http.StatusBadRequest, key, errors.New("invalid request body"))
		return
	}
	if req.Value == nil {
		h.writeResult(w, http.StatusBadRequest, key, errors.New("value is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.writeTimeout)
	defer cancel()

	if err := h.poller.WriteRegister(ctx, address, *req.Value); err != nil {
		h.logger.Warn().
			Err(err).
			Str("register", key).
			Int("value", *req.Value).
			Msg("API write failed")
		h.writeResult(w, writeStatus(err), key, err)
		return
	}

	h.writeJSON(w, http.StatusOK, WriteResult{Register: key, Success: true})
}

func writeStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidWriteValue):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrServiceStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// StatusHandler returns a compact service status.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.poller.Snapshot()
	status := map[string]interface{}{
		"service":             "register-poller",
		"cycle":               snap.Cycle,
		"registers":           snap.Len(),
		"absent":              snap.Absent(),
		"last_update_success": h.poller.LastUpdateSuccess(),
		"polling":             h.poller.Stats(),
	}
	if err := h.poller.LastError(); err != nil {
		status["last_error"] = err.Error()
	}

	h.writeJSON(w, http.StatusOK, status)
}

// TopicsOverviewHandler returns the MQTT topics currently being published
// and the command subscriptions.
func (h *Handler) TopicsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	active := []mqtt.TopicStat{}
	if h.topicTracker != nil {
		active = h.topicTracker.ActiveTopics(limit)
	}
	subscriptions := []string{}
	if h.subscriptions != nil {
		subscriptions = h.subscriptions.SubscribedTopics()
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_topics": active,
		"subscriptions": subscriptions,
	})
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, key string, err error) {
	h.writeJSON(w, status, WriteResult{Register: key, Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
