package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chefia/possync/internal/events"
)

func TestForwardSignsAndDelivers(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := events.NewBus()
	New(srv.URL, "s3cret", "term-1", bus)

	bus.Emit(events.BackupCreated, map[string]string{"id": "b1"})

	var req *http.Request
	var body []byte
	select {
	case req = <-received:
		body = <-bodies
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if p.Event != events.BackupCreated || p.TerminalID != "term-1" {
		t.Errorf("payload = %+v", p)
	}

	// Verify the HMAC over "<timestamp>.<body>".
	sig := req.Header.Get("X-Possync-Signature")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature = %q", sig)
	}
	ts := req.Header.Get("X-Possync-Timestamp")
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestForwardWithoutSecretOmitsSignature(t *testing.T) {
	received := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r
	}))
	defer srv.Close()

	bus := events.NewBus()
	New(srv.URL, "", "term-1", bus)
	bus.Emit(events.SyncFailed, nil)

	select {
	case req := <-received:
		if got := req.Header.Get("X-Possync-Signature"); got != "" {
			t.Errorf("signature = %q, want empty", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDispatchRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := &Forwarder{url: srv.URL, client: srv.Client()}
	if err := f.dispatch(Payload{Event: "x"}); err == nil {
		t.Error("dispatch returned nil for 502")
	}
}
