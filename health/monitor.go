package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/c360/controlbus/natsclient"
)

// Checker produces a point-in-time health observation.
type Checker interface {
	Name() string
	Check() Status
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	ComponentName string
	Fn            func() Status
}

// Name returns the component name of the check.
func (c CheckFunc) Name() string { return c.ComponentName }

// Check runs the function.
func (c CheckFunc) Check() Status { return c.Fn() }

// BrokerChecker reports the state of a broker connection.
func BrokerChecker(client *natsclient.Client) Checker {
	return CheckFunc{
		ComponentName: "broker",
		Fn: func() Status {
			switch client.Status() {
			case natsclient.StatusConnected:
				rtt, err := client.RTT()
				if err != nil {
					return NewDegraded("broker", fmt.Sprintf("connected, rtt unavailable: %v", err))
				}
				return NewHealthy("broker", fmt.Sprintf("connected, rtt %s", rtt))
			case natsclient.StatusReconnecting:
				return NewDegraded("broker", "reconnecting")
			case natsclient.StatusCircuitOpen:
				return NewUnhealthy("broker", "circuit breaker open")
			default:
				return NewUnhealthy("broker", "disconnected")
			}
		},
	}
}

// ReadLoopChecker reports whether a read loop has failed. The probe is
// any function returning the loop's terminal error, nil while running.
func ReadLoopChecker(name string, failed func() error) Checker {
	return CheckFunc{
		ComponentName: name,
		Fn: func() Status {
			if err := failed(); err != nil {
				return NewUnhealthy(name, err.Error())
			}
			return NewHealthy(name, "read loop running")
		},
	}
}

// Monitor aggregates the health of named subsystems. Checkers are
// polled by Run; callers may also push statuses directly with Update.
type Monitor struct {
	system string

	mu       sync.RWMutex
	checkers []Checker
	statuses map[string]Status
}

// NewMonitor creates a monitor reporting under the given system name.
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:   system,
		statuses: make(map[string]Status),
	}
}

// AddChecker registers a checker polled on every Run tick.
func (m *Monitor) AddChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Update records a status pushed by a subsystem.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the last status recorded for a subsystem.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Snapshot returns the aggregated system status with sub-statuses
// ordered by component name.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(m.system, subs)
}

// poll runs every registered checker once.
func (m *Monitor) poll() {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	for _, c := range checkers {
		m.Update(c.Name(), c.Check())
	}
}

// Run polls all checkers at the given interval until ctx is done. An
// immediate first poll seeds the snapshot.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// Handler serves the aggregated snapshot as JSON. Unhealthy snapshots
// answer 503 so load balancers can act on them.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshot := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snapshot.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}
