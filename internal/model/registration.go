package model

import "time"

// ServiceRegistration describes a dependent service known to the registry.
// IsHealthy, ConsecutiveFailures and LastHealthCheck are written only by the
// health monitor loop.
type ServiceRegistration struct {
	ServiceName         string     `json:"serviceName"`
	URL                 string     `json:"url"`
	HealthEndpoint      string     `json:"healthEndpoint"`
	Version             string     `json:"version,omitempty"`
	IsHealthy           bool       `json:"isHealthy"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	RegisteredAt        time.Time  `json:"registeredAt"`
	LastHealthCheck     *time.Time `json:"lastHealthCheck,omitempty"`
}
