// Package monitor tracks the availability of YTBot's external services.
//
// A background loop probes each registered service on an interval, maintains
// current up/down status, and notifies subscribers on every availability
// transition. A slow probe for one service never delays probing of another:
// each probe runs on its own goroutine under a bounded timeout.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// DefaultProbeTimeout bounds one probe invocation.
const DefaultProbeTimeout = 5 * time.Second

// ProbeFunc is a lightweight reachability check for one external service.
// A nil return means the service is up; an error or timeout means down.
type ProbeFunc func(ctx context.Context) error

// TransitionFunc receives availability transitions. Callbacks run on the
// monitor's probe goroutine after internal locks are released; subscribers
// that need to block should hand off to their own goroutine.
type TransitionFunc func(service string, oldStatus, newStatus models.Availability)

// Opts holds configuration for the Monitor.
type Opts struct {
	ProbeTimeout time.Duration
}

// Option defines a configuration option for the Monitor.
type Option func(*Opts)

// WithProbeTimeout overrides the per-probe time budget.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProbeTimeout = d }
}

// Monitor probes registered services and maintains their status. Status
// entries are mutated only by the monitor's own loop; readers get copies.
type Monitor struct {
	mu           sync.RWMutex
	probes       map[string]ProbeFunc
	statuses     map[string]*models.ServiceStatus
	subscribers  []TransitionFunc
	probeTimeout time.Duration

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Monitor with no registered services.
func New(opts ...Option) *Monitor {
	cfg := Opts{ProbeTimeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	slog.Debug("Creating availability monitor", "probe_timeout", cfg.ProbeTimeout)
	return &Monitor{
		probes:       make(map[string]ProbeFunc),
		statuses:     make(map[string]*models.ServiceStatus),
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Register adds a named service and its probe. Registering an existing name
// replaces the probe but keeps the recorded status.
func (m *Monitor) Register(name string, probe ProbeFunc) error {
	if name == "" {
		return models.ErrEmptyServiceName
	}
	if probe == nil {
		return fmt.Errorf("probe for service %s cannot be nil", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
	if _, exists := m.statuses[name]; !exists {
		m.statuses[name] = &models.ServiceStatus{Name: name, Availability: models.AvailabilityUnknown}
	}
	slog.Debug("Monitor registered service", "service", name)
	return nil
}

// Subscribe adds a callback fired exactly once per availability change.
func (m *Monitor) Subscribe(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Status returns a copy of the current status for a service.
func (m *Monitor) Status(name string) (models.ServiceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	if !ok {
		return models.ServiceStatus{}, false
	}
	return *st, true
}

// Statuses returns a copy of every service's current status.
func (m *Monitor) Statuses() []models.ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServiceStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	return out
}

// Start launches the background probe loop. It returns an error if the loop
// is already running. An initial probe round runs immediately so callers
// observe seeded state without waiting a full interval.
func (m *Monitor) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %v", interval)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	slog.Info("Availability monitor starting", "interval", interval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				slog.Info("Availability monitor loop exiting")
				return
			case <-ticker.C:
				m.ProbeOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop terminates the probe loop and waits for any in-flight probe round to
// finish before returning. Safe to call multiple times. A probe that ignores
// its context past the probe timeout has already been abandoned by its round
// (its eventual result is discarded), so a misbehaving probe goroutine can
// outlive Stop; the loop and every round it started are joined here.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		slog.Debug("Monitor already stopped")
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	slog.Info("Availability monitor stopped")
}

// ProbeOnce runs a single probe round for every registered service, updating
// statuses and firing transition callbacks. The startup sequencer calls it
// directly to populate initial service state.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]ProbeFunc, len(m.probes))
	for name, probe := range m.probes {
		probes[name] = probe
	}
	m.mu.RUnlock()

	type transition struct {
		service  string
		from, to models.Availability
	}
	var (
		transMu     sync.Mutex
		transitions []transition
	)

	g, probeCtx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			err := m.runProbe(probeCtx, probe)
			available := models.AvailabilityUp
			if err != nil {
				available = models.AvailabilityDown
				slog.Debug("Monitor probe failed", "service", name, "error", err)
			}

			m.mu.Lock()
			st := m.statuses[name]
			now := time.Now()
			st.LastProbe = now
			if available == models.AvailabilityDown {
				st.ConsecutiveFailures++
			} else {
				st.ConsecutiveFailures = 0
			}
			if st.Availability != available {
				old := st.Availability
				st.Availability = available
				st.LastTransition = now
				transMu.Lock()
				transitions = append(transitions, transition{service: name, from: old, to: available})
				transMu.Unlock()
			}
			m.mu.Unlock()
			// Probe failures never propagate; they are the DOWN signal.
			return nil
		})
	}
	g.Wait()

	if len(transitions) == 0 {
		return
	}

	m.mu.RLock()
	subscribers := make([]TransitionFunc, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, tr := range transitions {
		slog.Info("Service availability changed", "service", tr.service, "from", tr.from, "to", tr.to)
		for _, fn := range subscribers {
			fn(tr.service, tr.from, tr.to)
		}
	}
}

// runProbe invokes one probe under the configured timeout, translating
// panics and timeouts into errors. The monitor itself must never terminate
// because a probe misbehaved.
func (m *Monitor) runProbe(ctx context.Context, probe ProbeFunc) (err error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		result <- probe(probeCtx)
	}()

	select {
	case err = <-result:
		return err
	case <-probeCtx.Done():
		return probeCtx.Err()
	}
}
