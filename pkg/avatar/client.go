// Package avatar drives a VTube Studio model over its local websocket
// API. Requests and responses are correlated by request id; each pending
// request is resolved exactly once by its matching response.
package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hectorban/nia/pkg/core"
)

const (
	defaultWSURL = "ws://localhost:8001"

	apiName    = "VTubeStudioPublicAPI"
	apiVersion = "1.0"

	pluginName      = "Nia Expression Controller"
	pluginDeveloper = "Nia Chat Assistant"

	// Plain calls resolve against a local peer and should be fast. The
	// token request waits on the user clicking Allow in VTube Studio.
	defaultCallTimeout  = 10 * time.Second
	tokenRequestTimeout = 60 * time.Second
)

// AuthStore persists the plugin token across runs.
type AuthStore interface {
	VTubeAuth(ctx context.Context) (accepted bool, token string, err error)
	SaveVTubeAuth(ctx context.Context, token string) error
	ClearVTubeAuth(ctx context.Context) error
}

type envelope struct {
	APIName     string          `json:"apiName"`
	APIVersion  string          `json:"apiVersion"`
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type apiError struct {
	ErrorID int    `json:"errorID"`
	Message string `json:"message"`
}

// Client is one authenticated connection to VTube Studio.
type Client struct {
	url     string
	timeout time.Duration
	auth    AuthStore
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan envelope
	connected atomic.Bool

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. An empty url uses the default
// local VTube Studio port.
func NewClient(url string, auth AuthStore, logger *slog.Logger) *Client {
	if url == "" {
		url = defaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		timeout: defaultCallTimeout,
		auth:    auth,
		logger:  logger,
		pending: make(map[string]chan envelope),
	}
}

// Connected reports whether the socket is up and authenticated.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect dials the socket and authenticates, reusing a stored token
// when one validates and requesting a fresh one otherwise.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return core.NewProviderError("vtubestudio", fmt.Errorf("dial %s: %w", c.url, err))
	}
	pending := make(map[string]chan envelope)
	c.mu.Lock()
	c.conn = conn
	c.pending = pending
	c.mu.Unlock()
	go c.readLoop(conn, pending)

	if err := c.authenticate(ctx); err != nil {
		c.Close()
		return err
	}
	c.connected.Store(true)
	c.logger.Info("vtube studio connected", "url", c.url)
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	var token string
	if c.auth != nil {
		accepted, stored, err := c.auth.VTubeAuth(ctx)
		if err != nil {
			c.logger.Warn("load vtube auth", "error", err)
		} else if accepted && stored != "" {
			token = stored
		}
	}

	if token != "" {
		ok, err := c.validateToken(ctx, token)
		if err != nil {
			return err
		}
		if ok {
			c.logger.Debug("stored vtube token still valid")
			return nil
		}
		c.logger.Info("stored vtube token rejected, requesting a new one")
		if c.auth != nil {
			if err := c.auth.ClearVTubeAuth(ctx); err != nil {
				c.logger.Warn("clear vtube auth", "error", err)
			}
		}
	}

	token, err := c.requestToken(ctx)
	if err != nil {
		return err
	}
	ok, err := c.validateToken(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewAuthenticationError("vtube studio rejected its own token")
	}
	if c.auth != nil {
		if err := c.auth.SaveVTubeAuth(ctx, token); err != nil {
			c.logger.Warn("save vtube auth", "error", err)
		}
	}
	return nil
}

// requestToken asks VTube Studio for a plugin token. The user has to
// approve the plugin on the peer side, so this waits longer than a
// normal call.
func (c *Client) requestToken(ctx context.Context) (string, error) {
	data, err := c.call(ctx, "AuthenticationTokenRequest", map[string]any{
		"pluginName":      pluginName,
		"pluginDeveloper": pluginDeveloper,
		"pluginIcon":      "",
	}, tokenRequestTimeout)
	if err != nil {
		return "", err
	}
	var resp struct {
		AuthenticationToken string `json:"authenticationToken"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", core.NewProviderError("vtubestudio", fmt.Errorf("decode token response: %w", err))
	}
	if resp.AuthenticationToken == "" {
		return "", core.NewAuthenticationError("vtube studio denied the token request")
	}
	return resp.AuthenticationToken, nil
}

func (c *Client) validateToken(ctx context.Context, token string) (bool, error) {
	data, err := c.call(ctx, "AuthenticationRequest", map[string]any{
		"pluginName":          pluginName,
		"pluginDeveloper":     pluginDeveloper,
		"authenticationToken": token,
	}, c.timeout)
	if err != nil {
		return false, err
	}
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, core.NewProviderError("vtubestudio", fmt.Errorf("decode auth response: %w", err))
	}
	return resp.Authenticated, nil
}

// call sends one request and waits for its correlated response. The
// pending entry is removed on every exit path.
func (c *Client) call(ctx context.Context, messageType string, data any, timeout time.Duration) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, core.NewProviderError("vtubestudio", fmt.Errorf("encode %s: %w", messageType, err))
	}
	id := uuid.NewString()
	req := envelope{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   id,
		MessageType: messageType,
		Data:        payload,
	}

	ch := make(chan envelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, core.NewInvalidRequestError("not connected to vtube studio")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, core.NewProviderError("vtubestudio", fmt.Errorf("write %s: %w", messageType, err))
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, core.NewProviderError("vtubestudio", fmt.Errorf("connection closed while waiting for %s", messageType))
		}
		if resp.MessageType == "APIError" {
			var ae apiError
			if err := json.Unmarshal(resp.Data, &ae); err == nil && ae.Message != "" {
				return nil, core.NewProviderError("vtubestudio", fmt.Errorf("%s (error %d)", ae.Message, ae.ErrorID))
			}
			return nil, core.NewProviderError("vtubestudio", fmt.Errorf("%s failed", messageType))
		}
		return resp.Data, nil
	case <-time.After(timeout):
		c.dropPending(id)
		return nil, core.NewProviderError("vtubestudio", fmt.Errorf("%s timed out after %s", messageType, timeout))
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop resolves pending requests by request id. The pending map
// belongs to this connection, so a loop outliving a reconnect only ever
// releases its own waiters and never marks a newer connection down.
func (c *Client) readLoop(conn *websocket.Conn, pending map[string]chan envelope) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug("vtube studio read loop ended", "error", err)
			break
		}
		c.mu.Lock()
		ch, ok := pending[env.RequestID]
		if ok {
			delete(pending, env.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		} else {
			c.logger.Debug("uncorrelated vtube studio message", "type", env.MessageType, "request_id", env.RequestID)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected.Store(false)
	}
	for id, ch := range pending {
		delete(pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// ClearAuth drops the stored token so the next connect re-requests one.
func (c *Client) ClearAuth(ctx context.Context) error {
	if c.auth == nil {
		return nil
	}
	return c.auth.ClearVTubeAuth(ctx)
}

// Close tears the socket down. Safe to call repeatedly.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
