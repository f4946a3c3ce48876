// Package api serves the durastore admin endpoints: health checks, layer
// statistics, pending updates, conflicts and backups.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/health"
	"github.com/durastore/durastore/pkg/utils"
)

// Backend is what the server exposes
type Backend interface {
	Health() *health.Tracker
	Stats() interface{}
	PendingUpdates() []*entity.OptimisticUpdate
	Conflicts() []entity.Conflict
	ResolveConflict(ctx context.Context, req ResolveRequest) error
	Backups() []entity.BackupPoint
	CreateBackup(ctx context.Context, metadata map[string]string) (*entity.BackupPoint, error)
	RestoreBackup(ctx context.Context, id string) error
	Flush(ctx context.Context) int
}

// ResolveRequest is the body of POST /conflicts/resolve
type ResolveRequest struct {
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Field      string          `json:"field"`
	Strategy   entity.Strategy `json:"strategy"`
	Value      interface{}     `json:"value,omitempty"`
}

// BackupSummary describes a backup without its entity snapshot
type BackupSummary struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Checksum  string            `json:"checksum"`
	Size      int64             `json:"size"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func summarize(p entity.BackupPoint) BackupSummary {
	return BackupSummary{
		ID:        p.ID,
		Timestamp: p.Timestamp,
		Checksum:  p.Checksum,
		Size:      p.Size,
		Metadata:  p.Metadata,
	}
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

// Server provides the admin HTTP endpoints
type Server struct {
	backend Backend
	config  ServerConfig
	logger  *utils.StructuredLogger
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewServer creates a new API server
func NewServer(config ServerConfig, backend Backend, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}
	s := &Server{
		backend: backend,
		config:  config,
		logger:  logger.WithComponent("api"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	// Layer state
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /updates", s.handleUpdates)
	mux.HandleFunc("GET /conflicts", s.handleConflicts)
	mux.HandleFunc("POST /conflicts/resolve", s.handleResolve)
	mux.HandleFunc("GET /backups", s.handleBackups)
	mux.HandleFunc("POST /backups", s.handleCreateBackup)
	mux.HandleFunc("POST /backups/{id}/restore", s.handleRestore)
	mux.HandleFunc("POST /sync/flush", s.handleFlush)

	mux.HandleFunc("GET /info", s.handleInfo)

	s.handler = s.loggingMiddleware(mux)
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background
// until Shutdown or ctx ends
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	s.logger.Info("Serving admin API", map[string]interface{}{"address": s.addr})
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tracker := s.backend.Health()
	overall := tracker.Overall()

	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"components": len(tracker.Components()),
	})
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.backend.Health().Components())
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	overall := s.backend.Health().Overall()
	ready := overall != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    overall.String(),
		"timestamp": time.Now(),
	})
}

// Layer state handlers

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	updates := s.backend.PendingUpdates()
	if limit := queryLimit(r); limit > 0 && len(updates) > limit {
		updates = updates[:limit]
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"updates": updates,
		"count":   len(updates),
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts := s.backend.Conflicts()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.EntityID == "" || req.EntityType == "" || req.Field == "" {
		s.respondError(w, http.StatusBadRequest, "entity_id, entity_type and field are required")
		return
	}
	if err := s.backend.ResolveConflict(r.Context(), req); err != nil {
		s.respondDurable(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"resolved": true})
}

func (s *Server) handleBackups(w http.ResponseWriter, _ *http.Request) {
	backups := s.backend.Backups()
	out := make([]BackupSummary, 0, len(backups))
	for _, p := range backups {
		out = append(out, summarize(p))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backups": out,
		"count":   len(out),
	})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metadata map[string]string `json:"metadata"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	point, err := s.backend.CreateBackup(r.Context(), body.Metadata)
	if err != nil {
		s.respondDurable(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, summarize(*point))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.RestoreBackup(r.Context(), id); err != nil {
		s.respondDurable(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"restored": id})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"settled": s.backend.Flush(r.Context()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "durastore admin API",
		"timestamp": time.Now(),
		"endpoints": []string{
			"GET /health",
			"GET /health/components",
			"GET /health/live",
			"GET /health/ready",
			"GET /stats",
			"GET /updates",
			"GET /conflicts",
			"POST /conflicts/resolve",
			"GET /backups",
			"POST /backups",
			"POST /backups/{id}/restore",
			"POST /sync/flush",
			"GET /info",
		},
	})
}

// Middleware

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		})
	})
}

// Helper methods

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondDurable maps a DurableError code onto an HTTP status
func (s *Server) respondDurable(w http.ResponseWriter, err error) {
	var de *errors.DurableError
	if !stderrors.As(err, &de) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch de.Code {
	case errors.ErrCodeBackupNotFound, errors.ErrCodeConflictNotFound,
		errors.ErrCodeEntityNotFound, errors.ErrCodeUpdateNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeValidationFailed, errors.ErrCodeSchemaValidation:
		status = http.StatusBadRequest
	case errors.ErrCodeBackupIntegrity, errors.ErrCodeConflictUnresolved,
		errors.ErrCodeUpdateStateViolation:
		status = http.StatusConflict
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     de.Message,
		"code":      de.Code,
		"timestamp": time.Now(),
	})
}
