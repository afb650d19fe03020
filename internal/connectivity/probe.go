package connectivity

import (
	"net/http"
	"sync/atomic"
	"time"
)

// ProbeSignal derives connectivity by polling the remote health endpoint.
// It is used when the host platform supplies no connectivity flag of its own.
type ProbeSignal struct {
	url      string
	interval time.Duration
	client   *http.Client
	changes  chan bool
	stop     chan struct{}
	online   atomic.Bool
}

// NewProbeSignal starts polling healthURL every interval.
func NewProbeSignal(healthURL string, interval time.Duration) *ProbeSignal {
	p := &ProbeSignal{
		url:      healthURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		changes:  make(chan bool, 4),
		stop:     make(chan struct{}),
	}
	p.online.Store(p.probe())
	go p.loop()
	return p
}

// Online reports the result of the most recent probe.
func (p *ProbeSignal) Online() bool { return p.online.Load() }

// Changes delivers raw probe results. Reports may repeat the current state.
func (p *ProbeSignal) Changes() <-chan bool { return p.changes }

// Stop terminates polling and closes the change channel.
func (p *ProbeSignal) Stop() { close(p.stop) }

func (p *ProbeSignal) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.changes)

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			state := p.probe()
			p.online.Store(state)
			select {
			case p.changes <- state:
			default:
				// monitor is behind; the next tick re-reports
			}
		}
	}
}

func (p *ProbeSignal) probe() bool {
	resp, err := p.client.Get(p.url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
