// Package health reports on crust's dependencies: the hosted auth backend,
// the profile store, the artifact store and the session controller itself.
//
//	manager := health.NewProbeManager(version.Version)
//	manager.AddChecker(health.NewBackendChecker("auth-backend", client))
//	manager.AddChecker(health.NewSessionChecker(controller))
//
//	res := manager.CheckReadiness(ctx)
package health

import (
	"context"
	"time"
)

// Checker verifies one dependency. Check should respect the context
// deadline; the manager gives each check its own timeout.
type Checker interface {
	// Name is lowercase with hyphens, e.g. "auth-backend".
	Name() string
	Check(ctx context.Context) *Result
}

// Status represents the health check status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string {
	return string(s)
}

// Result is the outcome of one check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ns"`
}

// NewResult creates a result with an empty details map.
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail adds a detail and returns the result for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// WithLatency sets the latency and returns the result for chaining.
func (r *Result) WithLatency(latency time.Duration) *Result {
	r.Latency = latency
	return r
}

func Healthy(message string) *Result   { return NewResult(StatusHealthy, message) }
func Degraded(message string) *Result  { return NewResult(StatusDegraded, message) }
func Unhealthy(message string) *Result { return NewResult(StatusUnhealthy, message) }
