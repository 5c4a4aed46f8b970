// =============================================================================
// REPLICATION CLIENT - HTTP CALLS BETWEEN PEERS
// =============================================================================

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ReplicationClient talks to peers' replication endpoints over JSON/HTTP.
type ReplicationClient struct {
	httpClient *http.Client
}

// NewReplicationClient builds a client with a bounded per-call timeout.
func NewReplicationClient(timeout time.Duration) *ReplicationClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReplicationClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch pulls records from the leader at addr.
func (c *ReplicationClient) Fetch(ctx context.Context, addr string, req FetchRequest) (*FetchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode fetch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/replication/fetch", addr), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var out FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return &out, nil
}

// ApplyAssignment pushes a replica assignment to a peer, which transitions
// its local replica to the assigned role.
func (c *ReplicationClient) ApplyAssignment(ctx context.Context, addr string, a ReplicaAssignment) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/replication/assignments", addr), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("apply assignment on %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("apply assignment on %s: status %d: %s",
			addr, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// PartitionState queries a peer's view of one partition.
func (c *ReplicationClient) PartitionState(ctx context.Context, addr, topic string, partition int) (*PartitionState, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/replication/partitions/%s/%d/state", addr, topic, partition), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("state from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state from %s: status %d", addr, resp.StatusCode)
	}
	var out PartitionState
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode state response: %w", err)
	}
	return &out, nil
}
