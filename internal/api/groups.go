// =============================================================================
// GROUP HANDLERS - MEMBERSHIP PROTOCOL, OFFSETS, ACK/NACK
// =============================================================================
//
// The join/sync flow over HTTP:
//
//	POST /groups/g/join      ──► member id + generation + state
//	  (poll join until state leaves PreparingRebalance)
//	POST /groups/g/sync      ──► partition assignment for the generation
//	POST /groups/g/heartbeat ──► keepalive; REBALANCE_IN_PROGRESS says rejoin
//
// =============================================================================

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"relaymq/internal/broker"
)

type joinRequest struct {
	// MemberID is empty on first join; later joins reuse the assigned ID.
	MemberID         string   `json:"member_id,omitempty"`
	ClientID         string   `json:"client_id"`
	Topics           []string `json:"topics"`
	SessionTimeoutMs int      `json:"session_timeout_ms,omitempty"`
}

type joinResponse struct {
	MemberID   string `json:"member_id"`
	Generation int64  `json:"generation"`
	State      string `json:"state"`
	LeaderID   string `json:"leader_id"`
}

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.ClientID == "" {
		s.badRequest(w, "client_id must not be empty")
		return
	}

	sessionTimeout := time.Duration(req.SessionTimeoutMs) * time.Millisecond
	res, err := s.broker.Coordinator().JoinGroup(groupID, req.MemberID, req.ClientID, req.Topics, sessionTimeout)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		g, gerr := s.broker.Coordinator().Group(groupID)
		if gerr == nil {
			s.metrics.GroupMembers.WithLabelValues(groupID).Set(float64(g.MemberCount()))
			s.metrics.GroupGeneration.WithLabelValues(groupID).Set(float64(g.Generation()))
		}
	}

	s.writeJSON(w, http.StatusOK, joinResponse{
		MemberID:   res.MemberID,
		Generation: res.Generation,
		State:      string(res.State),
		LeaderID:   res.LeaderID,
	})
}

type syncRequest struct {
	MemberID   string `json:"member_id"`
	Generation int64  `json:"generation"`
}

type syncResponse struct {
	Generation int64            `json:"generation"`
	State      string           `json:"state"`
	Assignment map[string][]int `json:"assignment"`
}

func (s *Server) syncGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	res, err := s.broker.Coordinator().SyncGroup(groupID, req.MemberID, req.Generation)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, syncResponse{
		Generation: res.Generation,
		State:      string(res.State),
		Assignment: res.Assignment,
	})
}

type heartbeatRequest struct {
	MemberID   string `json:"member_id"`
	Generation int64  `json:"generation"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	if err := s.broker.Coordinator().Heartbeat(groupID, req.MemberID, req.Generation); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type leaveRequest struct {
	MemberID string `json:"member_id"`
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	if err := s.broker.Coordinator().LeaveGroup(groupID, req.MemberID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"left": req.MemberID})
}

// =============================================================================
// OFFSETS
// =============================================================================

type commitOffsetRequest struct {
	MemberID   string `json:"member_id"`
	Generation int64  `json:"generation"`
	Topic      string `json:"topic"`
	Partition  int    `json:"partition"`
	Offset     int64  `json:"offset"`
}

func (s *Server) commitOffset(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req commitOffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	err := s.broker.Coordinator().CommitOffset(groupID, req.MemberID, req.Generation,
		req.Topic, req.Partition, req.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.OffsetCommits.WithLabelValues(groupID, req.Topic).Inc()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"topic":     req.Topic,
		"partition": req.Partition,
		"offset":    req.Offset,
	})
}

func (s *Server) getOffsets(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	// topic -> partition (stringed for JSON) -> offset
	offsets := make(map[string]map[string]int64)
	for key, committed := range s.broker.Coordinator().GroupOffsets(groupID) {
		byPartition, ok := offsets[key.Topic]
		if !ok {
			byPartition = make(map[string]int64)
			offsets[key.Topic] = byPartition
		}
		byPartition[strconv.Itoa(key.Partition)] = committed.Offset
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"group":   groupID,
		"offsets": offsets,
	})
}

// =============================================================================
// GROUP ADMIN
// =============================================================================

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	ids := s.broker.Coordinator().Groups()
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		g, err := s.broker.Coordinator().Group(id)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"id":         g.ID(),
			"state":      string(g.State()),
			"generation": g.Generation(),
			"members":    g.MemberCount(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.broker.Coordinator().Group(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	members := g.Members()
	memberViews := make([]map[string]any, 0, len(members))
	for i := range members {
		m := &members[i]
		memberViews = append(memberViews, map[string]any{
			"id":         m.ID,
			"client_id":  m.ClientID,
			"topics":     m.Topics,
			"assignment": m.Assignment(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":         g.ID(),
		"state":      string(g.State()),
		"generation": g.Generation(),
		"members":    memberViews,
	})
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	if err := s.broker.Coordinator().DeleteGroup(groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": groupID})
}

// =============================================================================
// ACK / NACK
// =============================================================================

type ackRequest struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Reason    string `json:"reason,omitempty"` // nack only
}

func (s *Server) ack(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	token := broker.DeliveryToken{
		Group: groupID, Topic: req.Topic, Partition: req.Partition, Offset: req.Offset,
	}
	if err := s.broker.Ack(token); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"acked": req.Offset})
}

func (s *Server) nack(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	token := broker.DeliveryToken{
		Group: groupID, Topic: req.Topic, Partition: req.Partition, Offset: req.Offset,
	}
	if err := s.broker.Nack(token, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.DeliveryNacks.WithLabelValues(req.Topic, groupID).Inc()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"nacked": req.Offset})
}
