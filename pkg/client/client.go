// =============================================================================
// GO CLIENT - THIN WRAPPER OVER THE HTTP API
// =============================================================================
//
// The client mirrors the server's JSON wire format one-to-one and adds no
// local state: every call is one HTTP round trip. Errors from the broker
// come back as *APIError carrying the stable code string, so callers branch
// on Code, never on message text.
//
// =============================================================================

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the broker.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relaymq: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each HTTP call. Long-poll fetches need this above
// their max_wait_ms.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient swaps the transport entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to one broker.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for a broker base URL such as "http://localhost:9080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// TOPICS
// =============================================================================

// TopicInfo is one entry of a topic listing.
type TopicInfo struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
	SizeBytes  int64  `json:"size_bytes"`
}

// PartitionInfo is the per-partition slice of a topic description.
type PartitionInfo struct {
	ID             int    `json:"id"`
	Role           string `json:"role"`
	EarliestOffset int64  `json:"earliest_offset"`
	HighWatermark  int64  `json:"high_watermark"`
	LogEndOffset   int64  `json:"log_end_offset"`
	SizeBytes      int64  `json:"size_bytes"`
}

// TopicDetail describes one topic.
type TopicDetail struct {
	Name       string          `json:"name"`
	CreatedAt  time.Time       `json:"created_at"`
	Partitions []PartitionInfo `json:"partitions"`
}

// CreateTopic creates a topic; partitions <= 0 uses the broker default.
func (c *Client) CreateTopic(ctx context.Context, name string, partitions int) error {
	return c.do(ctx, http.MethodPost, "/topics", nil,
		map[string]any{"name": name, "partitions": partitions}, nil)
}

// ListTopics returns every topic.
func (c *Client) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	var out struct {
		Topics []TopicInfo `json:"topics"`
	}
	err := c.do(ctx, http.MethodGet, "/topics", nil, nil, &out)
	return out.Topics, err
}

// DescribeTopic returns per-partition offsets and sizes.
func (c *Client) DescribeTopic(ctx context.Context, name string) (*TopicDetail, error) {
	var out TopicDetail
	if err := c.do(ctx, http.MethodGet, "/topics/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTopic removes a topic and its data.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/topics/"+url.PathEscape(name), nil, nil, nil)
}

// =============================================================================
// PRODUCE
// =============================================================================

// Record is one produce payload.
type Record struct {
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
}

// ProduceOptions tune one produce call. Zero value routes by key with the
// broker's default ack level.
type ProduceOptions struct {
	// Partition pins the target; nil routes by key.
	Partition *int

	// Ack is "none", "leader", or "all_isr"; empty uses the broker default.
	Ack string
}

// ProduceResult reports where the batch landed.
type ProduceResult struct {
	Topic      string `json:"topic"`
	Partition  int    `json:"partition"`
	BaseOffset int64  `json:"base_offset"`
	Count      int    `json:"count"`
}

// Produce appends records to a topic.
func (c *Client) Produce(ctx context.Context, topic string, opts ProduceOptions, records ...Record) (*ProduceResult, error) {
	body := map[string]any{"records": records}
	if opts.Partition != nil {
		body["partition"] = *opts.Partition
	}
	if opts.Ack != "" {
		body["ack"] = opts.Ack
	}

	var out ProduceResult
	err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/records", nil, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// FETCH
// =============================================================================

// FetchOptions tune one fetch call.
type FetchOptions struct {
	// Offset is the start position; negative resolves from the group's
	// committed offset (or the broker's reset policy).
	Offset int64

	// Group enables committed-offset resolution and delivery tracking.
	Group string

	MaxBytes int64
	MaxWait  time.Duration
}

// FetchedRecord is one consumed record. Attempt is set on group fetches.
type FetchedRecord struct {
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
	Key       []byte `json:"key,omitempty"`
	Value     []byte `json:"value"`
	Attempt   int    `json:"attempt,omitempty"`
}

// FetchResult is one fetch response.
type FetchResult struct {
	Topic         string          `json:"topic"`
	Partition     int             `json:"partition"`
	StartOffset   int64           `json:"start_offset"`
	Records       []FetchedRecord `json:"records"`
	HighWatermark int64           `json:"high_watermark"`
	LogStart      int64           `json:"log_start"`
	NextOffset    int64           `json:"next_offset"`
}

// Fetch reads committed records from one partition.
func (c *Client) Fetch(ctx context.Context, topic string, partition int, opts FetchOptions) (*FetchResult, error) {
	params := url.Values{}
	if opts.Offset >= 0 {
		params.Set("offset", strconv.FormatInt(opts.Offset, 10))
	}
	if opts.Group != "" {
		params.Set("group", opts.Group)
	}
	if opts.MaxBytes > 0 {
		params.Set("max_bytes", strconv.FormatInt(opts.MaxBytes, 10))
	}
	if opts.MaxWait > 0 {
		params.Set("max_wait_ms", strconv.FormatInt(opts.MaxWait.Milliseconds(), 10))
	}

	path := fmt.Sprintf("/topics/%s/partitions/%d/records", url.PathEscape(topic), partition)
	var out FetchResult
	if err := c.do(ctx, http.MethodGet, path, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// GROUP PROTOCOL
// =============================================================================

// JoinResult is the coordinator's join answer. Poll Join until State is no
// longer "PreparingRebalance", then call SyncGroup.
type JoinResult struct {
	MemberID   string `json:"member_id"`
	Generation int64  `json:"generation"`
	State      string `json:"state"`
	LeaderID   string `json:"leader_id"`
}

// SyncResult carries the member's partition assignment.
type SyncResult struct {
	Generation int64            `json:"generation"`
	State      string           `json:"state"`
	Assignment map[string][]int `json:"assignment"`
}

// JoinGroup enters (or re-enters, with a prior memberID) a consumer group.
func (c *Client) JoinGroup(ctx context.Context, group, memberID, clientID string, topics []string, sessionTimeout time.Duration) (*JoinResult, error) {
	body := map[string]any{
		"member_id": memberID,
		"client_id": clientID,
		"topics":    topics,
	}
	if sessionTimeout > 0 {
		body["session_timeout_ms"] = sessionTimeout.Milliseconds()
	}
	var out JoinResult
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/join", nil, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncGroup fetches the member's assignment for a generation.
func (c *Client) SyncGroup(ctx context.Context, group, memberID string, generation int64) (*SyncResult, error) {
	var out SyncResult
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/sync", nil,
		map[string]any{"member_id": memberID, "generation": generation}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat keeps the session alive. A REBALANCE_IN_PROGRESS APIError means
// rejoin.
func (c *Client) Heartbeat(ctx context.Context, group, memberID string, generation int64) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/heartbeat", nil,
		map[string]any{"member_id": memberID, "generation": generation}, nil)
}

// LeaveGroup exits cleanly, triggering an immediate rebalance.
func (c *Client) LeaveGroup(ctx context.Context, group, memberID string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/leave", nil,
		map[string]any{"member_id": memberID}, nil)
}

// GroupInfo is one entry of a group listing.
type GroupInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Generation int64  `json:"generation"`
	Members    int    `json:"members"`
}

// GroupMember is one member of a group description.
type GroupMember struct {
	ID         string           `json:"id"`
	ClientID   string           `json:"client_id"`
	Topics     []string         `json:"topics"`
	Assignment map[string][]int `json:"assignment"`
}

// GroupDetail describes one group.
type GroupDetail struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Generation int64         `json:"generation"`
	Members    []GroupMember `json:"members"`
}

// ListGroups returns every known consumer group.
func (c *Client) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	var out struct {
		Groups []GroupInfo `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "/groups", nil, nil, &out)
	return out.Groups, err
}

// DescribeGroup returns a group's members and their assignments.
func (c *Client) DescribeGroup(ctx context.Context, group string) (*GroupDetail, error) {
	var out GroupDetail
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(group), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// OFFSETS AND DELIVERY
// =============================================================================

// CommitOffset durably records the next offset to consume.
func (c *Client) CommitOffset(ctx context.Context, group, memberID string, generation int64, topic string, partition int, offset int64) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/offsets", nil,
		map[string]any{
			"member_id":  memberID,
			"generation": generation,
			"topic":      topic,
			"partition":  partition,
			"offset":     offset,
		}, nil)
}

// FetchOffsets returns the group's commits as topic -> partition -> offset.
func (c *Client) FetchOffsets(ctx context.Context, group string) (map[string]map[string]int64, error) {
	var out struct {
		Offsets map[string]map[string]int64 `json:"offsets"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(group)+"/offsets", nil, nil, &out)
	return out.Offsets, err
}

// Ack confirms a delivered record; it will never be redelivered.
func (c *Client) Ack(ctx context.Context, group, topic string, partition int, offset int64) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/ack", nil,
		map[string]any{"topic": topic, "partition": partition, "offset": offset}, nil)
}

// Nack reports a failed delivery; the broker schedules a retry or routes the
// record to the dead-letter topic after max attempts.
func (c *Client) Nack(ctx context.Context, group, topic string, partition int, offset int64, reason string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(group)+"/nack", nil,
		map[string]any{"topic": topic, "partition": partition, "offset": offset, "reason": reason}, nil)
}

// Health pings the broker.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wire struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&wire); derr == nil {
			apiErr.Code = wire.Code
			apiErr.Message = wire.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
