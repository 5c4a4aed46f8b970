// =============================================================================
// TOPIC HANDLERS - ADMIN, PRODUCE, FETCH
// =============================================================================

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"relaymq/internal/broker"
	"relaymq/internal/storage"
)

type createTopicRequest struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}

	t, err := s.broker.CreateTopic(req.Name, req.Partitions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"name":       t.Name(),
		"partitions": t.PartitionCount(),
	})
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.broker.Topics()
	out := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		out = append(out, map[string]any{
			"name":       t.Name(),
			"partitions": t.PartitionCount(),
			"size_bytes": t.Size(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.broker.Topic(chi.URLParam(r, "topic"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	parts := make([]map[string]any, 0, t.PartitionCount())
	for _, p := range t.Partitions() {
		parts = append(parts, map[string]any{
			"id":              p.ID(),
			"role":            p.Role().String(),
			"earliest_offset": p.EarliestOffset(),
			"high_watermark":  p.HighWatermark(),
			"log_end_offset":  p.LogEndOffset(),
			"size_bytes":      p.Size(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":       t.Name(),
		"created_at": t.CreatedAt().UTC().Format(time.RFC3339),
		"partitions": parts,
	})
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "topic")
	if err := s.broker.DeleteTopic(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// =============================================================================
// PRODUCE
// =============================================================================

type produceRecord struct {
	// Key and Value are base64 in JSON ([]byte marshalling).
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
}

type produceRequest struct {
	// Partition pins routing; omit (or -1) to route by key.
	Partition *int `json:"partition,omitempty"`

	// Ack is none, leader, or all_isr. Empty uses the broker default.
	Ack string `json:"ack,omitempty"`

	Records []produceRecord `json:"records"`
}

type produceResponse struct {
	Topic      string `json:"topic"`
	Partition  int    `json:"partition"`
	BaseOffset int64  `json:"base_offset"`
	Count      int    `json:"count"`
}

func (s *Server) produce(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	start := time.Now()

	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if len(req.Records) == 0 {
		s.badRequest(w, "records must not be empty")
		return
	}

	partition := -1
	if req.Partition != nil {
		partition = *req.Partition
	}
	ack := broker.AckLevel(req.Ack)
	if req.Ack != "" && !broker.ValidAckLevel(ack) {
		s.badRequest(w, "ack must be one of none, leader, all_isr")
		return
	}

	records := make([]broker.ProduceRecord, len(req.Records))
	var bytes int
	for i, rec := range req.Records {
		records[i] = broker.ProduceRecord{Key: rec.Key, Value: rec.Value}
		bytes += len(rec.Value)
	}

	res, err := s.broker.Produce(r.Context(), broker.ProduceRequest{
		Topic:     topicName,
		Partition: partition,
		AckLevel:  ack,
		Records:   records,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProduceErrors.WithLabelValues(topicName, string(broker.CodeOf(err))).Inc()
		}
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordsProduced.WithLabelValues(topicName).Add(float64(res.Count))
		s.metrics.BytesProduced.WithLabelValues(topicName).Add(float64(bytes))
		s.metrics.ProduceLatency.WithLabelValues(topicName, string(ack)).
			Observe(time.Since(start).Seconds())
	}

	s.writeJSON(w, http.StatusOK, produceResponse{
		Topic:      res.Topic,
		Partition:  res.Partition,
		BaseOffset: res.BaseOffset,
		Count:      res.Count,
	})
}

// =============================================================================
// FETCH
// =============================================================================

type fetchRecord struct {
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
	Key       []byte `json:"key,omitempty"`
	Value     []byte `json:"value"`
	Attempt   int    `json:"attempt,omitempty"`
}

type fetchResponse struct {
	Topic         string        `json:"topic"`
	Partition     int           `json:"partition"`
	StartOffset   int64         `json:"start_offset"`
	Records       []fetchRecord `json:"records"`
	HighWatermark int64         `json:"high_watermark"`
	LogStart      int64         `json:"log_start"`
	NextOffset    int64         `json:"next_offset"`
}

// fetch serves GET /topics/{t}/partitions/{p}/records.
//
// Query parameters:
//
//	offset       start offset; omit to resolve from the group's commit
//	group        consumer group; enables delivery tracking and redelivery
//	max_bytes    response size bound
//	max_wait_ms  long-poll bound when caught up; 0 returns immediately
//
// Long poll cancellation rides on the request context: a disconnected
// client stops the wait.
func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil {
		s.badRequest(w, "partition must be an integer")
		return
	}
	start := time.Now()

	q := r.URL.Query()
	req := broker.FetchRequest{
		Topic:     topicName,
		Partition: partition,
		Offset:    -1,
		Group:     q.Get("group"),
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.badRequest(w, "offset must be an integer")
			return
		}
	}
	if v := q.Get("max_bytes"); v != "" {
		if req.MaxBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			s.badRequest(w, "max_bytes must be an integer")
			return
		}
	}
	if v := q.Get("max_wait_ms"); v != "" {
		ms, perr := strconv.Atoi(v)
		if perr != nil {
			s.badRequest(w, "max_wait_ms must be an integer")
			return
		}
		req.MaxWait = time.Duration(ms) * time.Millisecond
	}

	res, err := s.broker.Fetch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := fetchResponse{
		Topic:         res.Topic,
		Partition:     res.Partition,
		StartOffset:   res.StartOffset,
		Records:       make([]fetchRecord, 0, len(res.Records)),
		HighWatermark: res.HighWatermark,
		LogStart:      res.LogStart,
		NextOffset:    res.NextOffset,
	}

	var bytes int
	if len(res.Deliveries) > 0 {
		for _, d := range res.Deliveries {
			out.Records = append(out.Records, deliveryToWire(d))
			bytes += len(d.Record.Value)
		}
	} else {
		for _, rec := range res.Records {
			out.Records = append(out.Records, recordToWire(rec))
			bytes += len(rec.Value)
		}
	}

	if s.metrics != nil {
		group := req.Group
		if group == "" {
			group = "-"
		}
		s.metrics.RecordsFetched.WithLabelValues(topicName, group).Add(float64(len(out.Records)))
		s.metrics.BytesFetched.WithLabelValues(topicName, group).Add(float64(bytes))
		if req.MaxWait == 0 {
			s.metrics.FetchLatency.WithLabelValues(topicName).Observe(time.Since(start).Seconds())
		}
	}

	s.writeJSON(w, http.StatusOK, out)
}

func recordToWire(rec *storage.Record) fetchRecord {
	return fetchRecord{
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
		Key:       rec.Key,
		Value:     rec.Value,
	}
}

func deliveryToWire(d broker.Delivery) fetchRecord {
	fr := recordToWire(d.Record)
	fr.Attempt = d.Attempt
	return fr
}
