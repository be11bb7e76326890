// Package health exposes liveness and readiness probes for the watch
// daemon.
//
// A Checker aggregates named component probes (session database, drop
// directories) into one status and serves them over HTTP next to the
// metrics endpoint. Liveness answers "is the process up", readiness
// answers "is it ingesting yet", and the full health endpoint runs
// every registered probe on demand.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the health of a single component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// defaultTimeout bounds a single probe when the component does not set
// its own.
const defaultTimeout = 5 * time.Second

// CheckResult is the outcome of one probe run.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Error     string         `json:"error,omitempty"`
}

// Check probes one component. Implementations must honor ctx; the
// Checker cancels it when the component timeout elapses.
type Check func(ctx context.Context) CheckResult

// Component is a named, registered probe. Critical components drag the
// overall status to unhealthy when they fail; non-critical ones only
// degrade it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered probes and aggregates their results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	started    time.Time
	ready      bool
}

// NewChecker returns a Checker with no components and readiness off.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		started:    time.Now(),
	}
}

// Register adds a component. Until its first run the component reports
// StatusUnknown.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout <= 0 {
		component.Timeout = defaultTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a bare probe function under a name.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Unregister removes a component and its last result.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// SetReady flips the readiness state. The daemon turns it on once
// intake is watching and off again during shutdown.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady reports the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered probe concurrently and records the
// results. A probe that panics or outlives its timeout is reported as
// unhealthy rather than taking the daemon down.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := c.runOne(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

func (c *Checker) runOne(ctx context.Context, comp *Component) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	var result CheckResult

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result = CheckResult{
					Status:  StatusUnhealthy,
					Message: "probe panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
			close(done)
		}()
		result = comp.Check(probeCtx)
	}()

	select {
	case <-done:
	case <-probeCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "probe timed out",
			Error:   probeCtx.Err().Error(),
		}
	}

	result.CheckedAt = start
	result.Duration = time.Since(start)
	return result
}

// CheckComponent runs a single probe by name.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}

	result := c.runOne(ctx, comp)
	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// GetResult returns the last recorded result for a component.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[name]
	return result, ok
}

// GetResults returns a copy of every last recorded result.
func (c *Checker) GetResults() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make(map[string]CheckResult, len(c.results))
	for name, result := range c.results {
		results[name] = result
	}
	return results
}

// OverallStatus folds the recorded results into one status. A failing
// critical component is unhealthy; anything else failing or degraded
// is degraded; a critical component that has never run is unknown.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown := false
	degraded := false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}

	if unknown {
		return StatusUnknown
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the document served by the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Snapshot builds the full health document. When runChecks is set,
// every probe runs first; otherwise the last recorded results stand.
func (c *Checker) Snapshot(ctx context.Context, runChecks bool) Response {
	var components map[string]CheckResult
	if runChecks {
		components = c.Check(ctx)
	} else {
		components = c.GetResults()
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.started)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler always answers 200 while the process is serving.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler answers 200 once the daemon is ingesting and its
// recorded status is not unhealthy, 503 otherwise.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
			return
		}

		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler serves the full document. ?full=true re-runs every
// probe; the default answers from recorded results so the endpoint
// stays cheap under polling.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runChecks := r.URL.Query().Get("full") == "true"
		response := c.Snapshot(r.Context(), runChecks)

		code := http.StatusOK
		if response.Status == StatusUnhealthy || response.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// DatabaseCheck probes a database connection through its ping function.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "database reachable"}
	}
}

// DirWritableCheck probes a directory by creating and removing a file
// in it.
func DirWritableCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		probe, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory not writable",
				Details: map[string]any{"dir": dir},
				Error:   err.Error(),
			}
		}
		name := probe.Name()
		probe.Close()
		os.Remove(name)
		return CheckResult{
			Status:  StatusHealthy,
			Message: "directory writable",
			Details: map[string]any{"dir": dir},
		}
	}
}

// DirReadableCheck probes a directory by listing it. Drop directories
// register this so a detached mount degrades the daemon instead of
// leaving it watching nothing.
func DirReadableCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory not readable",
				Details: map[string]any{"dir": filepath.Clean(dir)},
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "directory readable",
			Details: map[string]any{"dir": filepath.Clean(dir), "entries": len(entries)},
		}
	}
}

// CustomCheck lifts a plain error-returning function into a Check.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
