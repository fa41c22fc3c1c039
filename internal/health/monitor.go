// Package health monitors the reachability of the inference server so
// the API can report dependency status without probing on every request.
//
// The monitor runs in two phases: a startup phase that retries with
// exponential backoff (2s, 4s, 8s, ... capped at 30s), then steady-state
// periodic polling with state-transition logging. Generation attempts
// surface their own errors either way; the monitor exists for the
// health endpoint and the log line that says the server came back.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probe timing. Zero values select defaults.
type Config struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 30s)
	MaxRetries   int           // startup attempts before polling (default 8)
	PollInterval time.Duration // steady-state check interval (default 30s)
	ProbeTimeout time.Duration // per-probe deadline (default 5s)
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot of the watched service, suitable
// for JSON serialization in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor watches a single service in a background goroutine.
type Monitor struct {
	name   string
	probe  ProbeFunc
	cfg    Config
	logger *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Start creates a monitor and begins probing. The goroutine runs until
// ctx is cancelled or Stop is called.
func Start(ctx context.Context, name string, probe ProbeFunc, cfg Config, logger *slog.Logger) *Monitor {
	runCtx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		name:   name,
		probe:  probe,
		cfg:    cfg.withDefaults(),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(runCtx)
	return m
}

// Ready reports whether the service was reachable at the last check.
func (m *Monitor) Ready() bool {
	return m.ready.Load()
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Name:      m.name,
		Ready:     m.ready.Load(),
		LastCheck: m.lastCheck,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Stop cancels the monitor and waits for its goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	// Startup phase: exponential backoff until the first success or the
	// retry budget runs out.
	delay := m.cfg.InitialDelay
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		err := m.check(ctx)
		if err == nil {
			m.ready.Store(true)
			m.logger.Info("service reachable", "service", m.name, "after_attempts", attempt)
			break
		}
		if attempt == m.cfg.MaxRetries {
			m.logger.Info("startup probes exhausted, entering background polling",
				"service", m.name, "attempts", attempt, "error", err)
			break
		}
		m.logger.Debug("probe failed, retrying",
			"service", m.name, "attempt", attempt, "next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, m.cfg.MaxDelay)
	}

	// Steady state: poll and log transitions.
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.check(ctx)
			wasReady := m.ready.Load()
			switch {
			case wasReady && err != nil:
				m.ready.Store(false)
				m.logger.Warn("service became unreachable", "service", m.name, "error", err)
			case !wasReady && err == nil:
				m.ready.Store(true)
				m.logger.Info("service recovered", "service", m.name)
			}
		}
	}
}

// check runs one probe under the configured deadline and records the result.
func (m *Monitor) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.probe(probeCtx)

	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	m.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
