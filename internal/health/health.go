// Package health aggregates component checks for the mock backend's
// health endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultTimeout = 5 * time.Second

// Check probes one component. A nil error is healthy.
type Check func(ctx context.Context) error

// Result is the outcome of one check.
type Result struct {
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report is the aggregated response of the health endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
}

type component struct {
	name     string
	critical bool
	check    Check
}

// Checker runs registered checks on demand.
type Checker struct {
	mu         sync.RWMutex
	components []component
	timeout    time.Duration
	started    time.Time
}

// NewChecker returns a checker with no components.
func NewChecker() *Checker {
	return &Checker{timeout: defaultTimeout, started: time.Now()}
}

// Register adds a check. A failing critical check makes the service
// unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, critical: critical, check: check})
	sort.Slice(c.components, func(i, j int) bool { return c.components[i].name < c.components[j].name })
}

// SetTimeout bounds each check.
func (c *Checker) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Run executes every check concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	components := append([]component(nil), c.components...)
	timeout := c.timeout
	c.mu.RUnlock()

	results := make([]Result, len(components))
	var wg sync.WaitGroup
	for i, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, comp.check, timeout)
		}()
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: make(map[string]Result, len(components)),
	}
	for i, comp := range components {
		res := results[i]
		report.Components[comp.name] = res
		if res.Status != StatusUnhealthy {
			continue
		}
		if comp.critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func run(ctx context.Context, check Check, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	res := Result{Status: StatusHealthy, Duration: time.Since(start).String()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

// Handler serves Run as JSON: 200 while healthy or degraded, 503 when a
// critical check fails.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}

// DirCheck fails unless path is an existing directory.
func DirCheck(path string) Check {
	return func(ctx context.Context) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
		return nil
	}
}
