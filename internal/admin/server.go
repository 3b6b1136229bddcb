package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/kquota/internal/engine"
	"github.com/goodtune/kquota/internal/ledger"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Backend is the daemon state the admin API operates on.
type Backend interface {
	ActiveUsers(ctx context.Context) ([]string, error)
	StoredUsers(ctx context.Context) ([]string, error)
	ResetLedger(ctx context.Context, user string) error
	Status(ctx context.Context, user string) (engine.Status, error)
	Adjust(ctx context.Context, user string, op ledger.Op, seconds int64) (engine.Status, error)
	SetPolicy(ctx context.Context, user string, p *quota.Policy) (engine.Status, error)
	Endpoints(ctx context.Context) ([]resilience.Status, error)
	Healthy() bool
}

// Config holds the admin server configuration.
type Config struct {
	Socket         string
	SocketMode     os.FileMode
	RequestTimeout time.Duration
}

// Server is the admin API served on a local unix socket.
type Server struct {
	config   Config
	backend  Backend
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, backend Backend, logger zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0o600
	}

	s := &Server{
		config:  cfg,
		backend: backend,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "admin").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(RecoverMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{user}", s.handleGetUser).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{user}/adjust", s.handleAdjust).Methods(http.MethodPost)
	s.router.HandleFunc("/users/{user}/policy", s.handleSetPolicy).Methods(http.MethodPut)
	s.router.HandleFunc("/users/{user}/ledger", s.handleResetLedger).Methods(http.MethodDelete)
	s.router.HandleFunc("/ledgers", s.handleListLedgers).Methods(http.MethodGet)
	s.router.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the socket, unless a listener was provided, and serves in
// the background.
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := listenUnix(s.config.Socket, s.config.SocketMode)
		if err != nil {
			return err
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated admin listener")
	}

	s.logger.Info().Str("socket", s.listener.Addr().String()).Msg("Starting admin server")
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()
	return nil
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// listenUnix replaces a stale socket file and restricts access to it.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket mode: %w", err)
	}
	return ln, nil
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Healthy() {
		WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		return
	}
	WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	users, err := s.backend.ActiveUsers(ctx)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	WriteJSON(w, http.StatusOK, UsersResponse{Users: users})
}

func (s *Server) handleListLedgers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	users, err := s.backend.StoredUsers(ctx)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	WriteJSON(w, http.StatusOK, UsersResponse{Users: users})
}

func (s *Server) handleResetLedger(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.backend.ResetLedger(ctx, user); err != nil {
		s.writeBackendError(w, err)
		return
	}

	s.logger.Info().Str("user", user).Msg("Ledger reset via admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	st, err := s.backend.Status(ctx, mux.Vars(r)["user"])
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	op, err := ledger.ParseOp(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, "seconds must not be negative")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	st, err := s.backend.Adjust(ctx, user, op, req.Seconds)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}

	s.logger.Info().
		Str("user", user).
		Str("op", string(op)).
		Int64("seconds", req.Seconds).
		Msg("Balance adjusted via admin API")
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var p quota.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	st, err := s.backend.SetPolicy(ctx, user, &p)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	eps, err := s.backend.Endpoints(ctx)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if eps == nil {
		eps = []resilience.Status{}
	}
	WriteJSON(w, http.StatusOK, eps)
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownUser):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no stored ledger")
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrLoggedIn):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "daemon did not respond in time")
	default:
		s.logger.Error().Err(err).Msg("Admin request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	WriteError(w, statusCode, message)
}
