// Package api implements the bridge's HTTP API: health, worker status,
// device state, alerts, a command send path and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/spabridge/internal/buildinfo"
	"github.com/nugget/spabridge/internal/config"
	"github.com/nugget/spabridge/internal/events"
	"github.com/nugget/spabridge/internal/processor"
	"github.com/nugget/spabridge/internal/state"
	"github.com/nugget/spabridge/internal/supervisor"
)

// maxCommandSize bounds command payloads accepted over HTTP.
const maxCommandSize = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// WorkerStatus reports on one supervised worker.
// [supervisor.Supervisor] satisfies it.
type WorkerStatus interface {
	Status() supervisor.Status
}

// DeviceStore is the read side of the state store. [state.Store]
// satisfies it.
type DeviceStore interface {
	Devices() ([]string, error)
	Latest(deviceID string) ([]state.DeviceState, error)
	RecentAlerts(limit int) ([]state.Alert, error)
}

// Publisher sends a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	host      config.Host
	workers   []WorkerStatus
	store     DeviceStore
	publisher Publisher
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, host config.Host, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		host:    host,
		logger:  logger,
	}
}

// SetWorkers configures the workers reported by /health and /v1/workers.
func (s *Server) SetWorkers(workers ...WorkerStatus) {
	s.workers = workers
}

// SetStore configures the device state store.
func (s *Server) SetStore(store DeviceStore) {
	s.store = store
}

// SetPublisher configures the command send path.
func (s *Server) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetBus configures the event bus streamed on /v1/events.
func (s *Server) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/workers", s.handleWorkers)

	mux.HandleFunc("GET /v1/devices", s.handleDeviceList)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDeviceGet)
	mux.HandleFunc("POST /v1/devices/{id}/command", s.handleDeviceCommand)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns [http.ErrServerClosed]
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleHealth reports healthy only while every worker has a live
// connection. A worker waiting on its watchdog makes the bridge degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var down []string
	for _, ws := range s.workers {
		if st := ws.Status(); !st.Live {
			down = append(down, st.Name)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(down) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]any{"status": "degraded", "workers_down": down}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"build": buildinfo.Current(),
		"host":  s.host,
	}, s.logger)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	out := make([]supervisor.Status, 0, len(s.workers))
	for _, ws := range s.workers {
		out = append(out, ws.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"workers": out}, s.logger)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}
	ids, err := s.store.Devices()
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"devices": ids}, s.logger)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}
	id := r.PathValue("id")
	channels, err := s.store.Latest(id)
	if errors.Is(err, state.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "unknown device "+id)
		return
	}
	if err != nil {
		s.logger.Error("device lookup failed", "device_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"device_id": id,
		"channels":  channels,
	}, s.logger)
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "command path not configured")
		return
	}
	id := r.PathValue("id")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(payload) > maxCommandSize {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "command too large")
		return
	}
	if err := processor.ValidateCommand(id, payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	topic := processor.CommandTopic(id)
	if err := s.publisher.Publish(r.Context(), topic, payload); err != nil {
		s.errorResponse(w, http.StatusBadGateway, "publish failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "sent", "topic": topic}, s.logger)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}
	alerts, err := s.store.RecentAlerts(parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list alerts failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"alerts": alerts}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
