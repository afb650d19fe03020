package connectivity

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProbeSignalTracksHealthEndpoint(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProbeSignal(srv.URL, 10*time.Millisecond)
	defer p.Stop()

	if !p.Online() {
		t.Fatal("Online() = false with a healthy endpoint")
	}

	// Online() is read here while the poll loop keeps writing it.
	status.Store(http.StatusInternalServerError)
	deadline := time.Now().Add(2 * time.Second)
	for p.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Online() {
		t.Error("Online() still true after the endpoint went unhealthy")
	}
}

func TestProbeSignalUnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := NewProbeSignal(srv.URL, 10*time.Millisecond)
	defer p.Stop()
	if p.Online() {
		t.Error("Online() = true for an unreachable endpoint")
	}
}
