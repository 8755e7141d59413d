// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves the liveness, readiness and health probes of the
// client process.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the last result of one named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc reports a problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks and caches their results for a TTL.
// A failing critical check makes the process unhealthy; any other
// failure degrades it.
type Checker struct {
	mu     sync.Mutex
	checks map[string]check
	cache  map[string]*Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]check),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
		now:    time.Now,
	}
}

// Register adds a check whose failure degrades the process.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.add(name, fn, false)
}

// RegisterCritical adds a check whose failure makes the process unhealthy.
func (c *Checker) RegisterCritical(name string, fn CheckFunc) {
	c.add(name, fn, true)
}

func (c *Checker) add(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{fn: fn, critical: critical}
	delete(c.cache, name)
}

// Health runs the checks whose cached result expired and returns the
// overall status with every result, sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	overall := StatusHealthy
	results := make([]Check, 0, len(names))
	for _, name := range names {
		res, ok := c.cache[name]
		if !ok || c.now().Sub(res.LastChecked) >= c.ttl {
			res = c.run(ctx, name, c.checks[name])
			c.cache[name] = res
		}
		results = append(results, *res)

		switch {
		case res.Status == StatusHealthy:
		case res.Critical:
			overall = StatusUnhealthy
		case overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, results
}

func (c *Checker) run(ctx context.Context, name string, ch check) *Check {
	start := c.now()
	err := ch.fn(ctx)
	res := &Check{
		Name:        name,
		Status:      StatusHealthy,
		Critical:    ch.critical,
		LastChecked: c.now(),
		Duration:    c.now().Sub(start),
	}
	if err != nil {
		res.Status = StatusDegraded
		if ch.critical {
			res.Status = StatusUnhealthy
		}
		res.Message = err.Error()
	}
	return res
}

type response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// HTTPHandler reports the overall status. Only an unhealthy process
// answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusUnhealthy })
}

// ReadinessHandler answers 503 unless every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusHealthy })
}

func (c *Checker) handler(unavailable func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if unavailable(status) {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response{Status: status, Checks: checks})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// Mux serves /health, /ready and /live.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", c.HTTPHandler())
	mux.Handle("/ready", c.ReadinessHandler())
	mux.Handle("/live", LivenessHandler())
	return mux
}
