package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Budget metrics
	RemainingSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kquota_remaining_seconds",
			Help: "Seconds of allowance left per user (-1 when unlimited)",
		},
		[]string{"user"},
	)

	SpentSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kquota_spent_seconds",
			Help: "Seconds consumed in the current period",
		},
		[]string{"user", "period"},
	)

	AccountedSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_accounted_seconds_total",
			Help: "Total seconds charged against user allowances",
		},
		[]string{"user"},
	)

	EngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kquota_engine_state",
			Help: "Current enforcement state per user (1 for the active state)",
		},
		[]string{"user", "state"},
	)

	// Enforcement metrics
	EnforcementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_enforcements_total",
			Help: "Total lockout sequences started",
		},
		[]string{"user", "lockout", "reason"},
	)

	TerminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kquota_termination_duration_seconds",
			Help:    "Time from lockout start to sequence completion",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"lockout"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_notifications_total",
			Help: "Total notifications delivered",
		},
		[]string{"channel", "mode"},
	)

	// Endpoint metrics
	EndpointState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kquota_endpoint_state",
			Help: "External endpoint state (0 unconnected, 1 connected, 2 permanently failed)",
		},
		[]string{"endpoint"},
	)

	// Engine health metrics
	TickErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_tick_errors_total",
			Help: "Total per-user ticks that failed",
		},
		[]string{"user"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kquota_tick_duration_seconds",
			Help:    "Supervisor tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	LedgerLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_ledger_loads_total",
			Help: "Ledger loads by result",
		},
		[]string{"result"},
	)

	LedgerSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_ledger_saves_total",
			Help: "Ledger saves by result",
		},
		[]string{"result"},
	)

	ManagedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kquota_managed_users",
			Help: "Number of users with a running enforcement engine",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RemainingSeconds,
		SpentSeconds,
		AccountedSecondsTotal,
		EngineState,
		EnforcementsTotal,
		TerminationDuration,
		NotificationsTotal,
		EndpointState,
		TickErrorsTotal,
		TickDuration,
		LedgerLoadsTotal,
		LedgerSavesTotal,
		ManagedUsers,
	)
}

// ForgetUser removes every series labelled with user.
func ForgetUser(user string) {
	labels := prometheus.Labels{"user": user}
	RemainingSeconds.DeletePartialMatch(labels)
	SpentSeconds.DeletePartialMatch(labels)
	EngineState.DeletePartialMatch(labels)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. healthy, if set, decides the
// /health status.
func NewServer(addr string, healthy func() bool, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DEGRADED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
