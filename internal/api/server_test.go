package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaymq/internal/broker"
	"relaymq/internal/metrics"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	opts := broker.DefaultOptions(t.TempDir())
	opts.RetentionInterval = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(opts, nil, logger)
	if err != nil {
		t.Fatalf("broker start failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	s := NewServer(b, metrics.New(), DefaultServerConfig(), logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return resp
}

func TestAPI_TopicLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 2}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	var dup errorBody
	resp = doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 2}, &dup)
	if resp.StatusCode != http.StatusConflict || dup.Code != broker.ErrCodeTopicExists {
		t.Fatalf("duplicate create = %d/%s, want 409/TOPIC_EXISTS", resp.StatusCode, dup.Code)
	}

	var detail struct {
		Name       string `json:"name"`
		Partitions []struct {
			ID            int   `json:"id"`
			HighWatermark int64 `json:"high_watermark"`
		} `json:"partitions"`
	}
	resp = doJSON(t, "GET", srv.URL+"/topics/orders", nil, &detail)
	if resp.StatusCode != http.StatusOK || len(detail.Partitions) != 2 {
		t.Fatalf("describe = %d with %d partitions, want 200 with 2", resp.StatusCode, len(detail.Partitions))
	}

	if resp = doJSON(t, "DELETE", srv.URL+"/topics/orders", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	var missing errorBody
	resp = doJSON(t, "GET", srv.URL+"/topics/orders", nil, &missing)
	if resp.StatusCode != http.StatusNotFound || missing.Code != broker.ErrCodeTopicNotFound {
		t.Fatalf("describe deleted = %d/%s, want 404/TOPIC_NOT_FOUND", resp.StatusCode, missing.Code)
	}
}

func TestAPI_ProduceAndFetchRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 1}, nil)

	var produced produceResponse
	resp := doJSON(t, "POST", srv.URL+"/topics/orders/records", produceRequest{
		Records: []produceRecord{
			{Key: []byte("k1"), Value: []byte("first")},
			{Value: []byte("second")},
		},
	}, &produced)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce status = %d, want 200", resp.StatusCode)
	}
	if produced.BaseOffset != 0 || produced.Count != 2 {
		t.Fatalf("produce result = %+v, want base 0 count 2", produced)
	}

	var fetched fetchResponse
	resp = doJSON(t, "GET", srv.URL+"/topics/orders/partitions/0/records?offset=0", nil, &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d, want 200", resp.StatusCode)
	}
	if len(fetched.Records) != 2 {
		t.Fatalf("fetched %d records, want 2", len(fetched.Records))
	}
	if string(fetched.Records[0].Key) != "k1" || string(fetched.Records[1].Value) != "second" {
		t.Fatalf("payload mismatch: %+v", fetched.Records)
	}
	if fetched.NextOffset != 2 || fetched.HighWatermark != 2 {
		t.Fatalf("next=%d hw=%d, want 2/2", fetched.NextOffset, fetched.HighWatermark)
	}
}

func TestAPI_FetchBeyondEndIsEmpty(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 1}, nil)

	var fetched fetchResponse
	resp := doJSON(t, "GET", srv.URL+"/topics/orders/partitions/0/records?offset=0", nil, &fetched)
	if resp.StatusCode != http.StatusOK || len(fetched.Records) != 0 {
		t.Fatalf("fetch on empty partition = %d with %d records, want 200 empty", resp.StatusCode, len(fetched.Records))
	}
}

func TestAPI_GroupProtocolEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 3}, nil)
	doJSON(t, "POST", srv.URL+"/topics/orders/records", produceRequest{
		Records: []produceRecord{{Value: []byte("payload")}},
	}, nil)

	// Join: single member, so the window closes immediately.
	var joined joinResponse
	resp := doJSON(t, "POST", srv.URL+"/groups/billing/join", joinRequest{
		ClientID: "worker", Topics: []string{"orders"},
	}, &joined)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, want 200", resp.StatusCode)
	}
	if joined.MemberID == "" || joined.State != string(broker.GroupAwaitingSync) {
		t.Fatalf("join = %+v, want member id and AwaitingSync", joined)
	}

	var synced syncResponse
	resp = doJSON(t, "POST", srv.URL+"/groups/billing/sync", syncRequest{
		MemberID: joined.MemberID, Generation: joined.Generation,
	}, &synced)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d, want 200", resp.StatusCode)
	}
	if len(synced.Assignment["orders"]) != 3 {
		t.Fatalf("assignment = %v, want all 3 partitions", synced.Assignment)
	}

	resp = doJSON(t, "POST", srv.URL+"/groups/billing/heartbeat", heartbeatRequest{
		MemberID: joined.MemberID, Generation: joined.Generation,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, "POST", srv.URL+"/groups/billing/offsets", commitOffsetRequest{
		MemberID: joined.MemberID, Generation: joined.Generation,
		Topic: "orders", Partition: 0, Offset: 1,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status = %d, want 200", resp.StatusCode)
	}

	var offsets struct {
		Offsets map[string]map[string]int64 `json:"offsets"`
	}
	doJSON(t, "GET", srv.URL+"/groups/billing/offsets", nil, &offsets)
	if offsets.Offsets["orders"]["0"] != 1 {
		t.Fatalf("committed offsets = %v, want orders/0 = 1", offsets.Offsets)
	}

	// A stale generation is fenced with a stable code.
	var fenced errorBody
	resp = doJSON(t, "POST", srv.URL+"/groups/billing/offsets", commitOffsetRequest{
		MemberID: joined.MemberID, Generation: joined.Generation - 1,
		Topic: "orders", Partition: 0, Offset: 1,
	}, &fenced)
	if resp.StatusCode != http.StatusConflict || fenced.Code != broker.ErrCodeStaleGeneration {
		t.Fatalf("stale commit = %d/%s, want 409/STALE_GENERATION", resp.StatusCode, fenced.Code)
	}

	resp = doJSON(t, "POST", srv.URL+"/groups/billing/leave", leaveRequest{MemberID: joined.MemberID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d, want 200", resp.StatusCode)
	}
}

func TestAPI_GroupFetchTracksDeliveriesAndAck(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 1}, nil)
	doJSON(t, "POST", srv.URL+"/topics/orders/records", produceRequest{
		Records: []produceRecord{{Value: []byte("work-item")}},
	}, nil)

	var fetched fetchResponse
	doJSON(t, "GET", srv.URL+"/topics/orders/partitions/0/records?group=billing", nil, &fetched)
	if len(fetched.Records) != 1 || fetched.Records[0].Attempt != 1 {
		t.Fatalf("group fetch = %+v, want one record on attempt 1", fetched.Records)
	}

	resp := doJSON(t, "POST", srv.URL+"/groups/billing/ack", ackRequest{
		Topic: "orders", Partition: 0, Offset: fetched.Records[0].Offset,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}

	// Acking twice is an invalid request, not a panic.
	var second errorBody
	resp = doJSON(t, "POST", srv.URL+"/groups/billing/ack", ackRequest{
		Topic: "orders", Partition: 0, Offset: fetched.Records[0].Offset,
	}, &second)
	if resp.StatusCode != http.StatusBadRequest || second.Code != broker.ErrCodeInvalidRequest {
		t.Fatalf("double ack = %d/%s, want 400/INVALID_REQUEST", resp.StatusCode, second.Code)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %v/%d, want 200", err, resp.StatusCode)
	}
	resp.Body.Close()

	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 1}, nil)
	doJSON(t, "POST", srv.URL+"/topics/orders/records", produceRequest{
		Records: []produceRecord{{Value: []byte("x")}},
	}, nil)

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %v/%d, want 200", err, resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	want := fmt.Sprintf("relaymq_broker_records_produced_total{topic=%q} 1", "orders")
	if !bytes.Contains(body, []byte(want)) {
		t.Fatalf("metrics exposition missing %q", want)
	}
}

func TestAPI_InvalidAckLevelRejected(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, "POST", srv.URL+"/topics", map[string]any{"name": "orders", "partitions": 1}, nil)

	var body errorBody
	resp := doJSON(t, "POST", srv.URL+"/topics/orders/records", produceRequest{
		Ack:     "quorum",
		Records: []produceRecord{{Value: []byte("x")}},
	}, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Code != broker.ErrCodeInvalidRequest {
		t.Fatalf("bad ack = %d/%s, want 400/INVALID_REQUEST", resp.StatusCode, body.Code)
	}
}
