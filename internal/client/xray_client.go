package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/config"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

// XrayClient talks to the control API that runs next to each proxy daemon.
// One session (base URL, token, http.Client) is kept per server id.
type XrayClient struct {
	cfg config.XrayConfig

	mu       sync.Mutex
	sessions map[int64]*xraySession
}

type xraySession struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewXrayClient creates a new control API client
func NewXrayClient(cfg config.XrayConfig) *XrayClient {
	return &XrayClient{
		cfg:      cfg,
		sessions: make(map[int64]*xraySession),
	}
}

type configEnvelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Config  *models.ConfigDocument `json:"config"`
}

type updateConfigRequest struct {
	Config *models.ConfigDocument `json:"config"`
}

type ackEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type statusEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type statusPayload struct {
	IsOK bool `json:"isOk"`
	Data *struct {
		Users []models.UserTraffic `json:"users"`
	} `json:"data"`
}

func (c *XrayClient) session(server *models.Server) *xraySession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[server.ID]; ok {
		return s
	}
	s := &xraySession{
		baseURL: server.BaseURL(),
		token:   server.APIToken,
		httpClient: &http.Client{
			Timeout: c.cfg.RequestTimeout,
		},
	}
	c.sessions[server.ID] = s
	return s
}

// Forget drops the cached session so the next call picks up new address or token.
func (c *XrayClient) Forget(serverID int64) {
	c.mu.Lock()
	delete(c.sessions, serverID)
	c.mu.Unlock()
}

// GetConfig fetches the full proxy configuration of a server
func (c *XrayClient) GetConfig(ctx context.Context, server *models.Server) (*models.ConfigDocument, error) {
	var env configEnvelope
	if err := c.do(ctx, server, http.MethodGet, "/api/xray/config", nil, &env); err != nil {
		return nil, fmt.Errorf("get config from %s: %w", server.Name, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("get config from %s: %s", server.Name, messageOr(env.Message, "request rejected"))
	}
	if env.Config == nil {
		return nil, fmt.Errorf("get config from %s: response has no config", server.Name)
	}
	return env.Config, nil
}

// UpdateConfig replaces the proxy configuration of a server
func (c *XrayClient) UpdateConfig(ctx context.Context, server *models.Server, doc *models.ConfigDocument) error {
	var env ackEnvelope
	if err := c.do(ctx, server, http.MethodPut, "/api/xray/config", updateConfigRequest{Config: doc}, &env); err != nil {
		return fmt.Errorf("update config on %s: %w", server.Name, err)
	}
	if !env.Success {
		return fmt.Errorf("update config on %s: %s", server.Name, messageOr(env.Message, "request rejected"))
	}
	log.Infof("[XrayClient] Config updated on %s", server.Name)
	return nil
}

// Restart asks the daemon to reload. It retries with a linear backoff and
// reports false once all attempts failed.
func (c *XrayClient) Restart(ctx context.Context, server *models.Server) bool {
	attempts := c.cfg.RestartAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.restartOnce(ctx, server)
		if err == nil {
			log.Infof("[XrayClient] Xray restarted on %s (attempt %d)", server.Name, attempt)
			return true
		}
		log.Warnf("[XrayClient] Restart attempt %d/%d on %s failed: %v", attempt, attempts, server.Name, err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * c.cfg.RestartBackoff):
		}
	}

	log.Errorf("[XrayClient] Giving up restarting Xray on %s after %d attempts", server.Name, attempts)
	return false
}

func (c *XrayClient) restartOnce(ctx context.Context, server *models.Server) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RestartTimeout)
	defer cancel()

	var env ackEnvelope
	if err := c.do(ctx, server, http.MethodPost, "/api/xray/restart", nil, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%s", messageOr(env.Message, "restart rejected"))
	}
	return nil
}

// GetStatus polls per-user traffic. It never fails: an unreachable or
// unhealthy server yields a snapshot with OK=false and no users.
func (c *XrayClient) GetStatus(ctx context.Context, server *models.Server) *models.StatusSnapshot {
	var env statusEnvelope
	if err := c.do(ctx, server, http.MethodGet, "/api/xray/status", nil, &env); err != nil {
		log.Warnf("[XrayClient] Status poll of %s failed: %v", server.Name, err)
		return models.UnreachableSnapshot()
	}
	if !env.Success || len(env.Data) == 0 {
		return models.UnreachableSnapshot()
	}

	payload, err := decodeStatusPayload(env.Data)
	if err != nil {
		log.Warnf("[XrayClient] Bad status payload from %s: %v", server.Name, err)
		return models.UnreachableSnapshot()
	}
	if !payload.IsOK {
		return models.UnreachableSnapshot()
	}

	snap := &models.StatusSnapshot{OK: true, Users: []models.UserTraffic{}}
	if payload.Data != nil && payload.Data.Users != nil {
		snap.Users = payload.Data.Users
	}
	return snap
}

// decodeStatusPayload handles data delivered either as an object or as a
// JSON document encoded in a string.
func decodeStatusPayload(raw json.RawMessage) (*statusPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode string data: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return &p, nil
}

func (c *XrayClient) do(ctx context.Context, server *models.Server, method, path string, reqBody, out interface{}) error {
	s := c.session(server)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-api-token", s.token)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control api returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
