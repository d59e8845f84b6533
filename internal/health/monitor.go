// Package health implements background service probing with ordered endpoint
// fallback. A failing probe on the active endpoint advances to the next
// fallback; recovery fails back to the primary only after a minimum dwell
// time, to avoid flapping between endpoints.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Probe reports whether the given endpoint of a service is healthy.
// Implementations should respect the context deadline.
type Probe func(ctx context.Context, endpoint string) bool

// Publisher receives service health events. Satisfied by *bus.CallbackBus.
type Publisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

// ServiceStatus is the aggregate health of a registered service.
type ServiceStatus string

const (
	StatusUp       ServiceStatus = "up"       // primary endpoint active
	StatusDegraded ServiceStatus = "degraded" // running on a fallback
	StatusDown     ServiceStatus = "down"     // all endpoints failed
)

// ServiceConfig describes a service to monitor.
type ServiceConfig struct {
	Name      string
	Primary   string
	Fallbacks []string      // ordered; tried after the primary fails
	Probe     Probe
	MinDwell  time.Duration // minimum time on a fallback before failing back
}

type service struct {
	cfg        ServiceConfig
	endpoints  []string // primary followed by fallbacks
	activeIdx  int
	status     ServiceStatus
	switchedAt time.Time // when the active endpoint last changed
}

// Monitor probes registered services on a fixed interval and selects the live
// endpoint per service. It is process-wide and safe for concurrent use by
// multiple executors.
type Monitor struct {
	mu       sync.Mutex
	services map[string]*service

	interval time.Duration
	bus      Publisher
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor probing at the given interval.
func NewMonitor(interval time.Duration, bus Publisher, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		services: make(map[string]*service),
		interval: interval,
		bus:      bus,
		logger:   logger,
	}
}

// Register adds a service to the monitor. The service starts Up on its primary.
func (m *Monitor) Register(cfg ServiceConfig) error {
	if cfg.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "service name is empty")
	}
	if cfg.Primary == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "service %s has no primary endpoint", cfg.Name)
	}
	if cfg.Probe == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "service %s has no probe", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[cfg.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "service %s already registered", cfg.Name)
	}

	endpoints := make([]string, 0, 1+len(cfg.Fallbacks))
	endpoints = append(endpoints, cfg.Primary)
	endpoints = append(endpoints, cfg.Fallbacks...)

	m.services[cfg.Name] = &service{
		cfg:        cfg,
		endpoints:  endpoints,
		status:     StatusUp,
		switchedAt: time.Now(),
	}
	return nil
}

// Endpoint returns the live endpoint for a service.
// Returns a SERVICE_DOWN error when every endpoint has failed.
func (m *Monitor) Endpoint(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "service %s not registered", name)
	}
	if svc.status == StatusDown {
		return "", schema.NewErrorf(schema.ErrCodeServiceDown, "service %s is down", name)
	}
	return svc.endpoints[svc.activeIdx], nil
}

// Status returns the current status of a service.
func (m *Monitor) Status(name string) (ServiceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "service %s not registered", name)
	}
	return svc.status, nil
}

// Snapshot returns the status of every registered service.
func (m *Monitor) Snapshot() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServiceStatus, len(m.services))
	for name, svc := range m.services {
		out[name] = svc.status
	}
	return out
}

// Start launches the background probing loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "monitor already started")
	}
	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(probeCtx)
	if m.logger != nil {
		m.logger.Info("health monitor started", slog.Duration("interval", m.interval))
	}
	return nil
}

// Stop terminates the probing loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial probe immediately.
	m.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered service once. Exposed so callers (and
// tests) can force a probe round outside the ticker.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.checkService(ctx, name)
	}
}

// checkService probes one service and applies fallback/fail-back decisions.
// The probe itself runs outside the lock; only the state change is guarded.
func (m *Monitor) checkService(ctx context.Context, name string) {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	probe := svc.cfg.Probe
	primary := svc.endpoints[0]
	active := svc.endpoints[svc.activeIdx]
	status := svc.status
	m.mu.Unlock()

	if status == StatusDown {
		// Down services re-probe only the primary.
		if probe(ctx, primary) {
			m.restore(ctx, name)
		}
		return
	}

	activeOK := probe(ctx, active)
	if !activeOK {
		m.advance(ctx, name)
		return
	}

	// Active endpoint healthy. If on a fallback, consider failing back.
	if status == StatusDegraded && probe(ctx, primary) {
		m.mu.Lock()
		dwellElapsed := time.Since(svc.switchedAt) >= svc.cfg.MinDwell
		m.mu.Unlock()
		if dwellElapsed {
			m.restore(ctx, name)
		}
	}
}

// advance moves the service to its next fallback, or marks it Down when the
// fallback list is exhausted.
func (m *Monitor) advance(ctx context.Context, name string) {
	m.mu.Lock()
	svc := m.services[name]
	svc.activeIdx++
	if svc.activeIdx >= len(svc.endpoints) {
		svc.activeIdx = 0 // down services re-enter at the primary
		svc.status = StatusDown
		m.mu.Unlock()

		if m.logger != nil {
			m.logger.Warn("service down: all endpoints failed", slog.String("service", name))
		}
		m.publish(ctx, schema.Event{
			Type:      schema.EventServiceDown,
			Timestamp: time.Now().UTC(),
			Detail:    map[string]any{"service": name},
		})
		return
	}

	endpoint := svc.endpoints[svc.activeIdx]
	svc.status = StatusDegraded
	svc.switchedAt = time.Now()
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Warn("service degraded: switched to fallback",
			slog.String("service", name), slog.String("endpoint", endpoint))
	}
	m.publish(ctx, schema.Event{
		Type:      schema.EventServiceDegraded,
		Timestamp: time.Now().UTC(),
		Detail:    map[string]any{"service": name, "endpoint": endpoint},
	})
}

// restore fails the service back to its primary endpoint.
func (m *Monitor) restore(ctx context.Context, name string) {
	m.mu.Lock()
	svc := m.services[name]
	svc.activeIdx = 0
	svc.status = StatusUp
	svc.switchedAt = time.Now()
	primary := svc.endpoints[0]
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("service restored to primary",
			slog.String("service", name), slog.String("endpoint", primary))
	}
	m.publish(ctx, schema.Event{
		Type:      schema.EventServiceRestored,
		Timestamp: time.Now().UTC(),
		Detail:    map[string]any{"service": name, "endpoint": primary},
	})
}

func (m *Monitor) publish(ctx context.Context, event schema.Event) {
	if m.bus == nil {
		return
	}
	// Health events must flow even while the chain context is tearing down.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	_ = m.bus.Publish(ctx, event)
}
