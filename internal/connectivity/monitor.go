// Package connectivity exposes the online/offline signal the sync layer
// subscribes to. The signal is probe-based: a periodic reachability check
// against the remote API stands in for a platform connectivity event.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ourpaths/pathsync/internal/events"
	"go.uber.org/zap"
)

const defaultProbeInterval = 30 * time.Second

var errMissingChecker = errors.New("connectivity: checker is required")

// Checker reports whether the remote side is currently reachable.
type Checker func(ctx context.Context) bool

// NewHTTPChecker builds a Checker that issues a HEAD request against the
// given URL. Any transport error means offline.
func NewHTTPChecker(probeURL string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return false
		}
		response, err := client.Do(request)
		if err != nil {
			return false
		}
		response.Body.Close()
		return true
	}
}

// MonitorConfig captures the dependencies of the connectivity monitor.
type MonitorConfig struct {
	Checker       Checker
	ProbeInterval time.Duration
	InitialOnline bool
	Bus           *events.Bus
	Logger        *zap.Logger
}

// Monitor owns the boolean connectivity flag and notifies subscribers on
// transitions.
type Monitor struct {
	mu       sync.RWMutex
	online   bool
	checker  Checker
	interval time.Duration
	bus      *events.Bus
	logger   *zap.Logger

	waitersMu sync.Mutex
	waiters   map[int64]chan bool
	nextID    int64
}

// NewMonitor constructs a connectivity monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Checker == nil {
		return nil, errMissingChecker
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:   cfg.InitialOnline,
		checker:  cfg.Checker,
		interval: interval,
		bus:      cfg.Bus,
		logger:   logger,
		waiters:  make(map[int64]chan bool),
	}, nil
}

// Online reports the current connectivity flag.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a connectivity transition. Repeated observations of the
// same state are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.logger.Info("network reconnected")
	} else {
		m.logger.Info("network disconnected")
	}

	if m.bus != nil {
		eventType := events.TypeNetworkOffline
		if online {
			eventType = events.TypeNetworkOnline
		}
		m.bus.Publish(events.Event{Type: eventType})
	}

	m.waitersMu.Lock()
	for _, waiter := range m.waiters {
		select {
		case waiter <- online:
		default:
		}
	}
	m.waitersMu.Unlock()
}

// Subscribe returns a channel receiving connectivity transitions (true when
// the network comes back) and a cancel func.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.waitersMu.Lock()
	m.nextID++
	id := m.nextID
	waiter := make(chan bool, 4)
	m.waiters[id] = waiter
	m.waitersMu.Unlock()

	cleanup := func() {
		m.waitersMu.Lock()
		delete(m.waiters, id)
		m.waitersMu.Unlock()
	}
	return waiter, cleanup
}

// Run probes connectivity at the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.SetOnline(m.checker(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.checker(ctx))
		}
	}
}
