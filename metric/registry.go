// Package metric provides the private Prometheus registry and the
// bus-level metrics exported by topic handles and the broker client.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/controlbus/errors"
)

// Registry manages the registration and lifecycle of metrics. A private
// prometheus.Registry keeps test processes from colliding on the global
// default registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with the core bus metrics
// and the Go runtime collectors registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCore()

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Core returns the core bus metrics.
func (r *Registry) Core() *Metrics {
	return r.Metrics
}

// Register adds a caller-supplied collector under owner.name. Duplicate
// registration is an error so owners notice naming collisions early.
func (r *Registry) Register(owner, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a caller-supplied collector from the registry.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

func (r *Registry) registerCore() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.MessagesRead,
		r.Metrics.MessagesWritten,
		r.Metrics.QueueDepth,
		r.Metrics.QueueEvictions,
		r.Metrics.DecodeErrors,
		r.Metrics.ReplayDuration,
		r.Metrics.CommandsInFlight,
		r.Metrics.CommandsIssued,
		r.Metrics.AcksReceived,
		r.Metrics.BrokerConnected,
		r.Metrics.BrokerRTT,
		r.Metrics.BrokerReconnects,
		r.Metrics.BrokerCircuitBreaker,
		r.Metrics.ReadLoopErrors,
	)
}
