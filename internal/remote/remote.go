// Package remote is the HTTP client for the central POS server. Each queued
// Operation maps to one REST call through a fixed route table.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chefia/possync/internal/model"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPermanent marks a rejection that retrying cannot fix. The
	// coordinator currently retries every failure up to the attempt budget,
	// so this only shortens the log noise, but callers can errors.Is on it.
	ErrPermanent = errors.New("permanent rejection")
	// ErrNoRoute means the operation's entity/action pair has no remote
	// endpoint. Dead-lettered immediately, never retried.
	ErrNoRoute = errors.New("no route for operation")
)

// route is one entry in the dispatch table. Path may contain "{id}", which
// is substituted with the payload's id field.
type route struct {
	method string
	path   string
}

// overrides lists routes that deviate from the generic REST pattern.
// Everything else resolves through resolveRoute's pluralized fallback.
var overrides = map[string]map[model.Action]route{
	"inventory": {
		model.ActionUpdate: {http.MethodPut, "/products/{id}/stock"},
	},
}

// resolveRoute maps an entity/action pair to a REST call. The fallback
// pattern: CREATE → POST /<entity>s, UPDATE → PUT /<entity>s/{id},
// DELETE → DELETE /<entity>s/{id}.
func resolveRoute(entityType string, action model.Action) (route, bool) {
	if byAction, ok := overrides[entityType]; ok {
		if r, ok := byAction[action]; ok {
			return r, true
		}
	}
	base := "/" + pluralize(entityType)
	switch action {
	case model.ActionCreate:
		return route{http.MethodPost, base}, true
	case model.ActionUpdate:
		return route{http.MethodPut, base + "/{id}"}, true
	case model.ActionDelete:
		return route{http.MethodDelete, base + "/{id}"}, true
	}
	return route{}, false
}

func pluralize(entity string) string {
	if strings.HasSuffix(entity, "s") {
		return entity
	}
	return entity + "s"
}

// Client is an HTTP client for the central POS server.
type Client struct {
	BaseURL    string
	APIKey     string
	TerminalID string
	HTTP       *http.Client
}

// New creates a remote client with the default timeout.
func New(baseURL, apiKey, terminalID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		TerminalID: terminalID,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dispatch pushes one operation to its remote endpoint. A nil error means
// the server durably accepted the mutation.
func (c *Client) Dispatch(ctx context.Context, op *model.Operation) error {
	r, ok := resolveRoute(op.EntityType, op.Action)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoRoute, op.EntityType, op.Action)
	}

	path := r.path
	if strings.Contains(path, "{id}") {
		id, err := payloadID(op.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		path = strings.ReplaceAll(path, "{id}", id)
	}

	var body io.Reader
	if op.Action != model.ActionDelete && len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("X-Terminal-ID", c.TerminalID)
	req.Header.Set("X-Idempotency-Key", op.IdempotencyKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnauthorized, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// FetchEntity reads one entity from the server, used by the cache on a miss.
func (c *Client) FetchEntity(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/"+pluralize(entityType)+"/"+id, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(respBody)))
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// payloadID extracts the entity id from an operation payload.
func payloadID(payload json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("parse payload: %v", err)
	}
	if p.ID == "" {
		return "", errors.New("payload missing id")
	}
	return p.ID, nil
}
