// Package connectivity tracks online/offline transitions from a
// host-provided signal and fans out exactly one event per real change.
package connectivity

import (
	"log/slog"
	"sync"

	"github.com/chefia/possync/internal/events"
)

// Signal is the narrow host collaborator reporting raw connectivity. Raw
// reports may repeat the current state; the Monitor deduplicates them.
type Signal interface {
	// Online reports the current connectivity flag.
	Online() bool
	// Changes delivers raw state reports. The channel may carry
	// redundant values; closing it detaches the monitor.
	Changes() <-chan bool
}

// Listener is notified once per real transition.
type Listener func(online bool)

// Monitor is the single source of truth for "online".
type Monitor struct {
	bus *events.Bus

	mu        sync.Mutex
	online    bool
	listeners []Listener
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor creates a Monitor seeded from the signal's current state.
func NewMonitor(sig Signal, bus *events.Bus) *Monitor {
	m := &Monitor{
		bus:    bus,
		online: sig.Online(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.watch(sig)
	return m
}

// Online reports the current deduplicated state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a listener for state transitions. Listeners run on the
// monitor goroutine in registration order.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Close detaches the monitor from its signal and waits for the watch
// goroutine to exit.
func (m *Monitor) Close() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) watch(sig Signal) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case state, ok := <-sig.Changes():
			if !ok {
				return
			}
			m.report(state)
		}
	}
}

// report applies a raw state report, dropping redundant ones.
func (m *Monitor) report(state bool) {
	m.mu.Lock()
	if state == m.online {
		m.mu.Unlock()
		return
	}
	m.online = state
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if state {
		slog.Info("connectivity: online")
		m.bus.Emit(events.ConnectionOnline, nil)
	} else {
		slog.Info("connectivity: offline")
		m.bus.Emit(events.ConnectionOffline, nil)
	}
	for _, l := range listeners {
		l(state)
	}
}
