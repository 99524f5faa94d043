package connection

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/observe"
)

// maxParallelProbes bounds concurrent probes in one monitor pass.
const maxParallelProbes = 8

// Start launches the health monitor. It runs until ctx is done or Stop is
// called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.bgCtx.Done():
				return
			case <-ticker.C:
				m.CheckAll(m.bgCtx)
			}
		}
	}()
}

// Stop halts the monitor and every reconnect loop and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.bgCancel()
	m.bg.Wait()
}

// CheckAll probes every connected app once.
func (m *Manager) CheckAll(ctx context.Context) {
	m.mu.Lock()
	apps := make([]string, 0, len(m.conns))
	for app, c := range m.conns {
		if c.status == StatusConnected {
			apps = append(apps, app)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for _, app := range apps {
		g.Go(func() error {
			m.HealthCheck(gctx, app)
			return nil
		})
	}
	_ = g.Wait()
}

// HealthCheck probes appID and reports whether it is healthy. A failed
// probe marks the connection unhealthy and, with AutoReconnect, schedules
// reconnection. Unknown or not yet connected apps report false.
func (m *Manager) HealthCheck(ctx context.Context, appID string) bool {
	m.mu.Lock()
	c, ok := m.conns[appID]
	if !ok || c.id == "" || c.status == StatusConnecting {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.transport.Health(pctx, appID)
	cancel()

	m.mu.Lock()
	if m.conns[appID] != c {
		m.mu.Unlock()
		return false
	}
	c.lastHealthCheck = m.now()
	if err == nil {
		c.failures = 0
		c.lastErr = nil
		// A reconnect loop owns recovery once started.
		if c.cancelReconnect == nil {
			c.status = StatusConnected
		}
		healthy := c.status == StatusConnected
		m.mu.Unlock()
		return healthy
	}

	c.failures++
	c.lastErr = err
	transitioned := c.status == StatusConnected
	c.status = StatusUnhealthy
	failures := c.failures
	scheduled := false
	if m.cfg.AutoReconnect && c.cancelReconnect == nil && !m.stopped {
		m.startReconnectLocked(c)
		scheduled = true
	}
	m.mu.Unlock()

	m.log.Warn(ctx, "connection health check failed",
		observe.F("app_id", appID),
		observe.F("consecutive_failures", failures),
		observe.F("reconnect_scheduled", scheduled),
		observe.Err(err),
	)
	if transitioned {
		e := event.New(event.ConnectionUnhealthy).WithErr(err)
		e.AppID = appID
		e.Failures = failures
		m.observer.Notify(e)
	}
	return false
}

// startReconnectLocked requires m.mu.
func (m *Manager) startReconnectLocked(c *conn) {
	ctx, cancel := context.WithCancel(m.bgCtx)
	c.cancelReconnect = cancel
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.reconnectLoop(ctx, c)
	}()
}

// stopReconnectLocked requires m.mu.
func (m *Manager) stopReconnectLocked(c *conn) {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
}

// reconnectLoop retries every ReconnectDelay, without a cap, until a
// session opens or ctx is cancelled by Disconnect, Connect or Stop.
func (m *Manager) reconnectLoop(ctx context.Context, c *conn) {
	timer := time.NewTimer(m.cfg.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		creds := copyCredentials(c.credentials)
		oldID := c.id
		m.mu.Unlock()

		dctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		id, err := m.dial(dctx, c.appID, creds)
		cancel()

		m.mu.Lock()
		if ctx.Err() != nil || m.conns[c.appID] != c {
			m.mu.Unlock()
			if err == nil {
				m.disconnectRemote(c.appID, id)
			}
			return
		}
		if err != nil {
			c.lastErr = err
			m.mu.Unlock()
			m.log.Warn(ctx, "reconnect failed",
				observe.F("app_id", c.appID),
				observe.F("attempt", attempt),
				observe.Err(err),
			)
			timer.Reset(m.cfg.ReconnectDelay)
			continue
		}
		c.id = id
		c.status = StatusConnected
		c.failures = 0
		c.lastErr = nil
		stop := c.cancelReconnect
		c.cancelReconnect = nil
		m.mu.Unlock()
		stop()

		if oldID != "" && oldID != id {
			m.disconnectRemote(c.appID, oldID)
		}
		m.log.Info(ctx, "reconnected",
			observe.F("app_id", c.appID),
			observe.F("attempt", attempt),
		)
		e := event.New(event.ConnectionReconnected)
		e.AppID = c.appID
		e.Attempt = attempt
		m.observer.Notify(e)
		return
	}
}
