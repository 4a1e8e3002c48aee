package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNoLeaderAvailable is returned when the client has no addresses to try.
// When every address fails, the error from the last one is returned instead.
var ErrNoLeaderAvailable = errors.New("api: no leader available among known addresses")

// Client is a leader-seeking HTTP client: it tries addresses in order,
// moving on to the next one whenever a server answers "not leader". It carries one
// stable ClientID for its whole lifetime and a monotonic RequestID per call,
// both sent as headers, so a retry that lands after the server already
// applied the first attempt is recognized by kv.Store's session dedup
// instead of being applied twice.
type Client struct {
	httpClient *http.Client
	addrs      []string
	timeout    time.Duration

	clientID  uuid.UUID
	requestID uint64
}

func NewClient(addrs []string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		addrs:      addrs,
		timeout:    5 * time.Second,
		clientID:   uuid.New(),
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
	c.httpClient.Timeout = d
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	body, _ := json.Marshal(map[string]string{"value": value})
	_, err := c.doWithRetry(ctx, http.MethodPut, key, body)
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	data, err := c.doWithRetry(ctx, http.MethodGet, key, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Value, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.doWithRetry(ctx, http.MethodDelete, key, nil)
	return err
}

// doWithRetry tries each known address in turn under a single RequestID, so
// a request that actually committed against a leader the client then lost
// track of is recognized as a duplicate rather than re-applied. A 503 "not
// leader" response just moves on to the next address; this client has no
// way to resolve a bare leader_id to an address, so it relies on eventually
// reaching the leader by exhausting its list rather than following a
// redirect target.
func (c *Client) doWithRetry(ctx context.Context, method, key string, body []byte) ([]byte, error) {
	requestID := atomic.AddUint64(&c.requestID, 1)

	var lastErr error
	for _, addr := range c.addrs {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		data, err := c.doOne(reqCtx, addr, method, key, body, requestID)
		cancel()
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoLeaderAvailable
}

func (c *Client) doOne(ctx context.Context, addr, method, key string, body []byte, requestID uint64) ([]byte, error) {
	url := fmt.Sprintf("http://%s/kv/%s", addr, key)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(clientIDHeader, c.clientID.String())
	req.Header.Set(requestIDHeader, strconv.FormatUint(requestID, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%s is not leader", addr)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request to %s failed: %s", addr, buf.String())
	}
	return buf.Bytes(), nil
}
