// Package registry tracks dependent services and their liveness. The health
// monitor loop is the only writer of health state; everything else reads
// snapshots.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clipvault/coordinator/internal/model"
)

// Registry is the in-process table of dependent services
type Registry struct {
	mu       sync.RWMutex
	services map[string]*model.ServiceRegistration
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		services: make(map[string]*model.ServiceRegistration),
	}
}

// Register upserts a service descriptor keyed by service name. Registering
// the same name again updates the descriptor but keeps the accumulated health
// state and original registration time. New services start healthy.
func (r *Registry) Register(req *model.ServiceRegisterRequest) model.ServiceRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.services[req.ServiceName]; ok {
		existing.URL = req.URL
		existing.HealthEndpoint = req.HealthEndpoint
		existing.Version = req.Version
		return *existing
	}

	reg := &model.ServiceRegistration{
		ServiceName:    req.ServiceName,
		URL:            req.URL,
		HealthEndpoint: req.HealthEndpoint,
		Version:        req.Version,
		IsHealthy:      true,
		RegisteredAt:   time.Now(),
	}
	r.services[req.ServiceName] = reg
	return *reg
}

// List returns a snapshot of all registrations, sorted by service name
func (r *Registry) List() []model.ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ServiceRegistration, 0, len(r.services))
	for _, reg := range r.services {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServiceName < out[j].ServiceName
	})
	return out
}

// Get returns a snapshot of one registration
func (r *Registry) Get(name string) (model.ServiceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.services[name]
	if !ok {
		return model.ServiceRegistration{}, fmt.Errorf("%w: service %s", model.ErrNotFound, name)
	}
	return *reg, nil
}

// IsHealthy reports the monitor's current view of a service. Services that
// were never registered have no health signal and are treated as healthy so
// they do not block dispatch.
func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.services[name]
	if !ok {
		return true
	}
	return reg.IsHealthy
}

// RecordProbe folds one health check outcome into the service's state.
// A success resets the failure count and marks the service healthy
// immediately; failures mark it unhealthy only after crossing the threshold.
// Called only by the health monitor loop.
func (r *Registry) RecordProbe(name string, success bool, failureThreshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.services[name]
	if !ok {
		return
	}

	now := time.Now()
	reg.LastHealthCheck = &now
	if success {
		reg.ConsecutiveFailures = 0
		reg.IsHealthy = true
		return
	}
	reg.ConsecutiveFailures++
	if reg.ConsecutiveFailures >= failureThreshold {
		reg.IsHealthy = false
	}
}
