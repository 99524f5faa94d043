package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/observe"
)

// Config configures a Manager.
type Config struct {
	// PoolSize caps the number of apps with a session. Default: 10.
	PoolSize int

	// HealthCheckInterval is the probe period of the monitor. Default: 30s.
	HealthCheckInterval time.Duration

	// ReconnectDelay is the pause before each reconnect attempt. Default: 5s.
	ReconnectDelay time.Duration

	// AutoReconnect retries failed sessions until they recover.
	AutoReconnect bool

	// ProbeTimeout bounds each health probe and reconnect call. Default: 10s.
	ProbeTimeout time.Duration

	Observer event.Observer
	Logger   observe.Logger
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Manager owns the connection map. All state lives behind mu and no lock
// is held across a transport call.
type Manager struct {
	cfg       Config
	transport Transport
	observer  event.Observer
	log       observe.Logger
	now       func() time.Time
	group     singleflight.Group

	mu      sync.Mutex
	conns   map[string]*conn
	closed  bool
	stopped bool

	// background work: monitor and reconnect loops.
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	started  bool
}

// NewManager creates a Manager over t.
func NewManager(t Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		transport: t,
		observer:  event.OrNop(cfg.Observer),
		log:       observe.LoggerOrNop(cfg.Logger),
		now:       time.Now,
		conns:     make(map[string]*conn),
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
}

// Connect returns the session for appID, opening one if needed.
//
// A connected session is reused: its use count and last-used time are
// updated and no remote call is made. Concurrent connects for the same app
// share one remote call. A new app beyond PoolSize gets ErrPoolFull.
func (m *Manager) Connect(ctx context.Context, appID string, credentials map[string]any) (Info, error) {
	if appID == "" {
		return Info{}, ErrEmptyAppID
	}
	if info, ok := m.reuse(appID); ok {
		return info, nil
	}

	v, err, _ := m.group.Do(appID, func() (any, error) {
		return m.open(ctx, appID, credentials)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

func (m *Manager) reuse(appID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[appID]
	if !ok || c.status != StatusConnected {
		return Info{}, false
	}
	c.useCount++
	c.lastUsed = m.now()
	return c.info(), true
}

func (m *Manager) open(ctx context.Context, appID string, credentials map[string]any) (Info, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Info{}, ErrClosed
	}
	c, exists := m.conns[appID]
	switch {
	case exists && c.status == StatusConnected:
		// Won the race with another connect that finished first.
		c.useCount++
		c.lastUsed = m.now()
		info := c.info()
		m.mu.Unlock()
		return info, nil
	case !exists:
		if len(m.conns) >= m.cfg.PoolSize {
			m.mu.Unlock()
			return Info{}, fmt.Errorf("%w: %d apps", ErrPoolFull, m.cfg.PoolSize)
		}
		c = &conn{appID: appID, createdAt: m.now()}
		m.conns[appID] = c
	default:
		m.stopReconnectLocked(c)
	}
	c.status = StatusConnecting
	c.credentials = copyCredentials(credentials)
	m.mu.Unlock()

	id, err := m.dial(ctx, appID, credentials)

	m.mu.Lock()
	if m.conns[appID] != c {
		m.mu.Unlock()
		if err == nil {
			m.disconnectRemote(appID, id)
		}
		return Info{}, fmt.Errorf("%w: %s", ErrDisconnected, appID)
	}
	if err != nil {
		if c.id == "" {
			delete(m.conns, appID)
		} else {
			c.status = StatusUnhealthy
			c.lastErr = err
		}
		m.mu.Unlock()
		m.log.Warn(ctx, "connect failed", observe.F("app_id", appID), observe.Err(err))
		return Info{}, err
	}
	now := m.now()
	c.id = id
	c.status = StatusConnected
	c.failures = 0
	c.lastErr = nil
	c.useCount++
	c.lastUsed = now
	info := c.info()
	m.mu.Unlock()

	m.log.Info(ctx, "connected", observe.F("app_id", appID), observe.F("connection_id", id))
	e := event.New(event.ConnectionConnected)
	e.AppID = appID
	m.observer.Notify(e)
	return info, nil
}

// dial opens a remote session. Credentials are sent exactly as given.
func (m *Manager) dial(ctx context.Context, appID string, credentials map[string]any) (string, error) {
	id, err := m.transport.Connect(ctx, appID, credentials)
	if err != nil {
		return "", fmt.Errorf("connection: connect %s: %w", appID, err)
	}
	return id, nil
}

// Disconnect closes the session for appID. The entry is removed locally
// even when the remote disconnect fails; that failure is returned.
func (m *Manager) Disconnect(ctx context.Context, appID string) error {
	m.mu.Lock()
	c, ok := m.conns[appID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	delete(m.conns, appID)
	m.stopReconnectLocked(c)
	c.status = StatusDisconnected
	id := c.id
	m.mu.Unlock()

	e := event.New(event.ConnectionDisconnected)
	e.AppID = appID

	var err error
	if id != "" {
		if err = m.transport.Disconnect(ctx, appID, id); err != nil {
			err = fmt.Errorf("connection: disconnect %s: %w", appID, err)
			e = e.WithErr(err)
			m.log.Warn(ctx, "remote disconnect failed", observe.F("app_id", appID), observe.Err(err))
		}
	}
	m.observer.Notify(e)
	return err
}

// Get returns the snapshot for appID.
func (m *Manager) Get(appID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[appID]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// ConnectionID returns the session id for appID when it is connected.
func (m *Manager) ConnectionID(appID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[appID]
	if !ok || c.status != StatusConnected {
		return "", false
	}
	c.lastUsed = m.now()
	return c.id, true
}

// List returns snapshots of every connection, sorted by app id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.AppID, b.AppID) })
	return out
}

// Len returns the number of pooled connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close stops background work and disconnects every app. Remote failures
// are joined into the returned error.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	apps := make([]string, 0, len(m.conns))
	for app := range m.conns {
		apps = append(apps, app)
	}
	m.mu.Unlock()

	m.Stop()

	var errs []error
	for _, app := range apps {
		if err := m.Disconnect(ctx, app); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) disconnectRemote(appID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	if err := m.transport.Disconnect(ctx, appID, id); err != nil {
		m.log.Warn(ctx, "remote disconnect of orphaned session failed", observe.F("app_id", appID), observe.Err(err))
	}
}
