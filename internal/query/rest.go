package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const apiBasePath = "/v1/api"

// restClient speaks the game server's HTTP query API. All endpoints require
// HTTP basic auth with the fixed "admin" user and the shared admin secret.
type restClient struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger
}

func newRESTClient(host string, port int, secret string, timeout time.Duration, logger *zap.Logger) *restClient {
	return &restClient{
		baseURL: fmt.Sprintf("http://%s:%d%s", host, port, apiBasePath),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("rest"),
	}
}

// do performs one authenticated request and decodes the JSON response into
// out when out is non-nil. Non-200 responses are returned as *ProtocolError.
func (c *restClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth("admin", c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("API call",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: server rejected admin credentials", ErrBadCredentials)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &ProtocolError{
			Op:     method + " " + endpoint,
			Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, snippet),
		}
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: method + " " + endpoint, Detail: "malformed response: " + err.Error()}
	}
	return nil
}

func (c *restClient) Info(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *restClient) Players(ctx context.Context) ([]Player, error) {
	var payload struct {
		Players []Player `json:"players"`
	}
	if err := c.do(ctx, http.MethodGet, "/players", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Players, nil
}

func (c *restClient) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/save", nil, nil)
}

func (c *restClient) Announce(ctx context.Context, message string) error {
	return c.do(ctx, http.MethodPost, "/announce", map[string]string{"message": message}, nil)
}

func (c *restClient) Kick(ctx context.Context, userID, message string) error {
	return c.do(ctx, http.MethodPost, "/kick", map[string]string{
		"userid":  userID,
		"message": message,
	}, nil)
}

func (c *restClient) Shutdown(ctx context.Context, waitSeconds int, message string) error {
	return c.do(ctx, http.MethodPost, "/shutdown", map[string]interface{}{
		"waittime": waitSeconds,
		"message":  message,
	}, nil)
}
