// =============================================================================
// HTTP API SERVER - THE CLIENT-FACING SURFACE
// =============================================================================
//
// Everything a client does - topic admin, produce, fetch, group protocol,
// offsets - goes through this JSON/HTTP server. chi does the routing.
//
//	/topics                       admin + produce + fetch
//	/groups                       membership, offsets, ack/nack
//	/health /metrics              operational
//
// Error responses carry the broker's stable code strings, so clients branch
// on "code", never on message text:
//
//	{"error": "topic \"orders\" not found", "code": "TOPIC_NOT_FOUND"}
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaymq/internal/broker"
	"relaymq/internal/metrics"
)

// Server is the client-facing HTTP server.
type Server struct {
	broker     *broker.Broker
	metrics    *metrics.Registry
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// DefaultServerConfig returns production defaults. There is deliberately no
// write timeout: long-poll fetches hold the response open up to MaxWait.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":9080",
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

// NewServer wires routes over a broker. metrics may be nil (tests).
func NewServer(b *broker.Broker, m *metrics.Registry, cfg ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		broker:  b,
		metrics: m,
		logger:  logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	s.router = r
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/topics", func(r chi.Router) {
		r.Post("/", s.createTopic)
		r.Get("/", s.listTopics)

		r.Route("/{topic}", func(r chi.Router) {
			r.Get("/", s.getTopic)
			r.Delete("/", s.deleteTopic)
			r.Post("/records", s.produce)
			r.Get("/partitions/{partition}/records", s.fetch)
		})
	})

	s.router.Route("/groups", func(r chi.Router) {
		r.Get("/", s.listGroups)

		r.Route("/{group}", func(r chi.Router) {
			r.Get("/", s.getGroup)
			r.Delete("/", s.deleteGroup)

			r.Post("/join", s.joinGroup)
			r.Post("/sync", s.syncGroup)
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/leave", s.leaveGroup)

			r.Post("/offsets", s.commitOffset)
			r.Get("/offsets", s.getOffsets)

			r.Post("/ack", s.ack)
			r.Post("/nack", s.nack)
		})
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving without blocking.
func (s *Server) Start() {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop drains connections until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

type errorBody struct {
	Error string           `json:"error"`
	Code  broker.ErrorCode `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError maps the broker's closed error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := broker.CodeOf(err)

	var status int
	switch code {
	case broker.ErrCodeTopicNotFound, broker.ErrCodePartitionNotFound,
		broker.ErrCodeGroupNotFound, broker.ErrCodeUnknownMember:
		status = http.StatusNotFound
	case broker.ErrCodeTopicExists, broker.ErrCodeRebalanceInProgress,
		broker.ErrCodeStaleGeneration, broker.ErrCodeIllegalGeneration,
		broker.ErrCodeFencedEpoch:
		status = http.StatusConflict
	case broker.ErrCodeInvalidRequest, broker.ErrCodeInvalidConfiguration:
		status = http.StatusBadRequest
	case broker.ErrCodeRecordTooLarge:
		status = http.StatusRequestEntityTooLarge
	case broker.ErrCodeOffsetOutOfRange:
		status = http.StatusRequestedRangeNotSatisfiable
	case broker.ErrCodeNotLeader, broker.ErrCodeInsufficientReplicas,
		broker.ErrCodeBrokerClosed:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: broker.ErrCodeInvalidRequest})
}
