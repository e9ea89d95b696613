package grantrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultEntuBaseURL   = "https://entu.app/api"
	defaultTokenLifetime = 23 * time.Hour
	defaultHTTPTimeout   = 30 * time.Second
)

// APIError carries a non-2xx response from the CMS. The body is parsed for a
// message where possible; credential material is never included.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("entu api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("entu api: status %d: %s", e.StatusCode, e.Message)
}

// ClientOptions configures a Client. Zero values fall back to defaults.
type ClientOptions struct {
	BaseURL       string
	Account       string
	APIKey        string
	HTTPClient    *http.Client
	TokenLifetime time.Duration
	Logger        *slog.Logger
}

// Client is the privileged CMS client. It exchanges a static admin key for a
// session token, caches the token for most of a day, and authorizes all
// entity calls with it. The cached token is a single process-wide value;
// concurrent refreshes collapse into one exchange.
type Client struct {
	baseURL       string
	account       string
	httpClient    *http.Client
	tokenLifetime time.Duration
	log           *slog.Logger

	mu           sync.Mutex
	apiKey       string
	token        string
	tokenExpires time.Time

	refresh singleflight.Group
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Account == "" {
		return nil, fmt.Errorf("entu client: account is required: %w", ErrInvalidInput)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("entu client: api key is required: %w", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultEntuBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	lifetime := opts.TokenLifetime
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:       baseURL,
		account:       opts.Account,
		apiKey:        opts.APIKey,
		httpClient:    httpClient,
		tokenLifetime: lifetime,
		log:           logger.With("component", "entu-admin"),
	}, nil
}

// SetAPIKey swaps the admin key and drops the cached session token, so the
// next call exchanges the new key. Used for key rotation without restart.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == c.apiKey {
		return
	}
	c.apiKey = key
	c.token = ""
	c.tokenExpires = time.Time{}
	c.log.Info("admin api key updated, session token invalidated")
}

// SessionToken returns a valid session token, refreshing it when the cached
// one is missing or expired. Concurrent callers with a cold cache share a
// single exchange request.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpires) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("session-token", func() (any, error) {
		c.mu.Lock()
		if c.token != "" && time.Now().Before(c.tokenExpires) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		apiKey := c.apiKey
		c.mu.Unlock()

		token, err := c.exchangeToken(ctx, apiKey)
		if err != nil {
			return "", err
		}
		expires := time.Now().Add(c.tokenLifetime)
		c.mu.Lock()
		c.token = token
		c.tokenExpires = expires
		c.mu.Unlock()
		c.log.Info("session token refreshed", "expiresAt", expires)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) exchangeToken(ctx context.Context, apiKey string) (string, error) {
	u := c.baseURL + "/auth?account=" + url.QueryEscape(c.account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept-Encoding", "deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("auth response missing token: %w", ErrUnauthorized)
	}
	return payload.Token, nil
}

// Call performs an authorized CMS request and returns the raw response body.
func (c *Client) Call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	token, err := c.SessionToken(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Encoding", "deflate")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiMessage(respBody)}
	}
	return respBody, nil
}

// GetEntity fetches one entity and unwraps the response envelope.
func (c *Client) GetEntity(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, fmt.Errorf("get entity: empty id: %w", ErrInvalidInput)
	}
	raw, err := c.Call(ctx, http.MethodGet, "/entity/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Entity map[string]any `json:"entity"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode entity %s: %w", id, err)
	}
	if payload.Entity == nil {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return payload.Entity, nil
}

// ListEntities runs an entity search and returns the matching entities.
func (c *Client) ListEntities(ctx context.Context, query url.Values) ([]map[string]any, error) {
	raw, err := c.Call(ctx, http.MethodGet, "/entity", query, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode entity list: %w", err)
	}
	return payload.Entities, nil
}

// AddExpanders appends _expander references to a task in one call, granting
// each listed person access.
func (c *Client) AddExpanders(ctx context.Context, taskID string, personIDs []string) error {
	if taskID == "" {
		return fmt.Errorf("add expanders: empty task id: %w", ErrInvalidInput)
	}
	if len(personIDs) == 0 {
		return nil
	}
	properties := make([]map[string]any, 0, len(personIDs))
	for _, personID := range personIDs {
		properties = append(properties, map[string]any{
			"type":      "_expander",
			"reference": personID,
		})
	}
	_, err := c.Call(ctx, http.MethodPost, "/entity/"+url.PathEscape(taskID), nil, properties)
	return err
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}
