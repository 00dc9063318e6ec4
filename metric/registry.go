package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/streamswitch/errors"
)

// Registry is the process-wide Prometheus registry. Every collector is
// filed under the component that owns it, such as "flow", "gateway" or a
// sink named after its group, so one owner cannot register the same metric
// twice and the metrics of an owner can be listed or dropped together.
type Registry struct {
	prom  *prometheus.Registry
	core  *Core
	mu    sync.Mutex
	owned map[string]map[string]prometheus.Collector
}

// NewRegistry returns a registry holding the core streamswitch metrics and
// the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:  prometheus.NewRegistry(),
		core:  newCore(),
		owned: make(map[string]map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry is the gatherer served on the metrics endpoint.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Core returns the metrics every streamswitch process exports.
func (r *Registry) Core() *Core {
	return r.core
}

// Register files collector under owner and name. Registering a name twice
// for one owner is an invalid-input error; a clash with another owner's
// metric of the same fully-qualified name is reported by Prometheus and
// classified the same way.
func (r *Registry) Register(owner, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owned[owner][name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%s already registered metric %s", owner, name),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("metric %s of %s clashes with an existing collector", name, owner))
		}
		return errors.WrapFatal(err, "Registry", "Register", "register with prometheus")
	}

	if r.owned[owner] == nil {
		r.owned[owner] = make(map[string]prometheus.Collector)
	}
	r.owned[owner][name] = collector
	return nil
}

// Unregister drops one metric of owner. Reports whether it was registered.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	collector, exists := r.owned[owner][name]
	if !exists || !r.prom.Unregister(collector) {
		return false
	}
	r.forget(owner, name)
	return true
}

// UnregisterOwner drops every metric of owner and returns how many went.
func (r *Registry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for name, collector := range r.owned[owner] {
		if r.prom.Unregister(collector) {
			r.forget(owner, name)
			n++
		}
	}
	return n
}

// Owned lists the metric names registered by owner, sorted.
func (r *Registry) Owned(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.owned[owner]))
	for name := range r.owned[owner] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) forget(owner, name string) {
	delete(r.owned[owner], name)
	if len(r.owned[owner]) == 0 {
		delete(r.owned, owner)
	}
}
