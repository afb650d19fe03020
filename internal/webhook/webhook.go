// Package webhook forwards sync events to the UI layer's HTTP endpoint as
// HMAC-signed POSTs. Delivery is best effort; a failed POST is logged and
// dropped, never retried.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chefia/possync/internal/events"
)

// Payload is the webhook POST body.
type Payload struct {
	TerminalID string          `json:"terminal_id"`
	Event      string          `json:"event"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Forwarder subscribes to the event bus and POSTs every event.
type Forwarder struct {
	url        string
	secret     string
	terminalID string
	client     *http.Client
}

// New creates a forwarder and attaches it to the bus.
func New(url, secret, terminalID string, bus *events.Bus) *Forwarder {
	f := &Forwarder{
		url:        url,
		secret:     secret,
		terminalID: terminalID,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	bus.SubscribeAll(func(name string, payload any) {
		go f.forward(name, payload)
	})
	return f
}

func (f *Forwarder) forward(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("webhook: marshal event payload", "event", event, "err", err)
		data = nil
	}
	p := Payload{
		TerminalID: f.terminalID,
		Event:      event,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	}
	if err := f.dispatch(p); err != nil {
		slog.Warn("webhook: delivery failed", "event", event, "err", err)
	}
}

// dispatch performs a synchronous HTTP POST to the webhook URL.
// Returns nil on success (2xx status).
func (f *Forwarder) dispatch(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "possync-webhook/1")

	unixTS := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("X-Possync-Timestamp", unixTS)

	if f.secret != "" {
		mac := hmac.New(sha256.New, []byte(f.secret))
		mac.Write([]byte(unixTS))
		mac.Write([]byte("."))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Possync-Signature", "sha256="+sig)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", f.url, resp.StatusCode)
	}
	return nil
}
