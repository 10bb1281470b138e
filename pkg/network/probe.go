package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
)

// Probe is a StatusProvider that polls a health URL. Any HTTP response below
// 500 counts as reachable; a transport error or 5xx counts as offline.
type Probe struct {
	*Manual

	URL      string
	Interval time.Duration
	Timeout  time.Duration
	HTTP     *http.Client
	Log      logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbe returns a probe that starts out offline until the first check.
func NewProbe(url string, log logger.Logger) *Probe {
	return &Probe{
		Manual:   NewManual(false),
		URL:      url,
		Interval: constants.DefaultProbeInterval,
		Timeout:  constants.DefaultProbeTimeout,
		HTTP:     &http.Client{},
		Log:      logger.OrNop(log),
	}
}

// Start runs an immediate check and then polls until ctx is done or Stop is
// called. Calling Start on a running probe is a no-op.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
}

func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Probe) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.Check(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one reachability check and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	online := p.reachable(ctx)
	if online != p.Online() {
		p.Log.Debug("network reachability changed", "url", p.URL, "online", online)
	}
	p.SetOnline(online)
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.Log.Warn("invalid probe url", "url", p.URL, "error", err)
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
