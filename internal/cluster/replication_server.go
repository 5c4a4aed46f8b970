// =============================================================================
// REPLICATION SERVER - THE LEADER-SIDE HTTP ENDPOINTS
// =============================================================================
//
// Routes:
//
//	POST /replication/fetch                                  follower pull
//	GET  /replication/partitions/{topic}/{partition}/state   replica state
//	POST /replication/assignments                            apply assignment
//	POST /replication/partitions/{topic}/{partition}/elect   leader election
//
// Fetch responses are always 200: protocol errors travel in the body's
// error_code field so followers can tell "leader moved" from "network broke".
// Assignments and elections are the operator/controller surface: posting an
// assignment transitions the local replica, and posting an elect to any
// surviving replica promotes the longest-log ISR member and propagates the
// new assignment to its peers.
//
// =============================================================================

package cluster

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaymq/internal/broker"
)

// ReplicationServer exposes the replica manager to peers.
type ReplicationServer struct {
	replicas *ReplicaManager
	logger   *slog.Logger
	router   chi.Router
}

// NewReplicationServer builds the peer-facing HTTP handler.
func NewReplicationServer(rm *ReplicaManager, logger *slog.Logger) *ReplicationServer {
	s := &ReplicationServer{
		replicas: rm,
		logger:   logger.With("component", "replication-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/replication/fetch", s.handleFetch)
	r.Get("/replication/partitions/{topic}/{partition}/state", s.handlePartitionState)
	r.Post("/replication/assignments", s.handleApplyAssignment)
	r.Post("/replication/partitions/{topic}/{partition}/elect", s.handleElect)
	s.router = r
	return s
}

// Handler returns the http.Handler for mounting on a listener.
func (s *ReplicationServer) Handler() http.Handler { return s.router }

func (s *ReplicationServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusOK, &FetchResponse{
			ErrorCode:    broker.ErrCodeInvalidRequest,
			ErrorMessage: "malformed fetch request: " + err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.replicas.HandleFetch(req))
}

func (s *ReplicationServer) handlePartitionState(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil {
		http.Error(w, "partition must be an integer", http.StatusBadRequest)
		return
	}

	st, err := s.replicas.PartitionState(topic, partition)
	if err != nil {
		http.Error(w, err.Error(), statusForCode(broker.CodeOf(err)))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *ReplicationServer) handleApplyAssignment(w http.ResponseWriter, r *http.Request) {
	var a ReplicaAssignment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "malformed assignment: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.replicas.ApplyAssignment(a); err != nil {
		http.Error(w, err.Error(), statusForCode(broker.CodeOf(err)))
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *ReplicationServer) handleElect(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil {
		http.Error(w, "partition must be an integer", http.StatusBadRequest)
		return
	}

	next, err := s.replicas.ElectLeader(r.Context(), topic, partition)
	if err != nil {
		http.Error(w, err.Error(), statusForCode(broker.CodeOf(err)))
		return
	}
	s.writeJSON(w, http.StatusOK, next)
}

func statusForCode(code broker.ErrorCode) int {
	switch code {
	case broker.ErrCodeTopicNotFound, broker.ErrCodePartitionNotFound:
		return http.StatusNotFound
	case broker.ErrCodeFencedEpoch:
		return http.StatusConflict
	case broker.ErrCodeInvalidRequest, broker.ErrCodeInvalidConfiguration:
		return http.StatusBadRequest
	case broker.ErrCodeInsufficientReplicas:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *ReplicationServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
