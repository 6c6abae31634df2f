// Package health runs component checks for chatpipe: database reachability,
// outbox backlog and writable local directories.
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

	"github.com/benbjohnson/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

// Component is a named check. A failing critical component makes the whole
// report unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered components.
type Checker struct {
	clock clock.Clock

	mu         sync.RWMutex
	components []*Component
	started    time.Time
}

// NewChecker creates a Checker. A nil clk uses the wall clock.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{clock: clk, started: clk.Now()}
}

// Register adds a component. Components run in registration order in reports.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = 5 * time.Second
	}
	c.mu.Lock()
	c.components = append(c.components, comp)
	c.mu.Unlock()
}

// Report is the aggregated result of one run.
type Report struct {
	Status     Status        `json:"status"`
	Uptime     string        `json:"uptime"`
	Components []CheckResult `json:"components"`
}

// Run executes all checks concurrently, each under its own timeout.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	comps := append([]*Component(nil), c.components...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		i, comp := i, comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runOne(ctx, comp)
		}()
	}
	wg.Wait()

	return Report{
		Status:     aggregate(comps, results),
		Uptime:     c.clock.Since(c.started).Truncate(time.Second).String(),
		Components: results,
	}
}

func (c *Checker) runOne(ctx context.Context, comp *Component) (result CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.clock.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	result.Name = comp.Name
	result.Duration = c.clock.Since(start)
	return result
}

func aggregate(comps []*Component, results []CheckResult) Status {
	status := StatusHealthy
	for i, r := range results {
		switch r.Status {
		case StatusHealthy:
		case StatusUnhealthy:
			if comps[i].Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		default:
			status = StatusDegraded
		}
	}
	return status
}

// Handler serves the report as JSON; unhealthy answers 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// PingCheck reports whether ping succeeds.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// BacklogCheck degrades once count reports more than max pending items.
func BacklogCheck(count func(ctx context.Context) (int64, error), max int64) Check {
	return func(ctx context.Context) CheckResult {
		n, err := count(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "count failed", Error: err.Error()}
		}
		res := CheckResult{Status: StatusHealthy, Details: map[string]any{"pending": n}}
		if n > max {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("%d failed sends waiting for retry", n)
		}
		return res
	}
}

// WritableDirCheck verifies dir exists and accepts new files.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(dir)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "missing", Error: err.Error()}
		}
		if !info.IsDir() {
			return CheckResult{Status: StatusUnhealthy, Message: "not a directory"}
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "not writable", Error: err.Error()}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return CheckResult{Status: StatusHealthy, Details: map[string]any{"path": filepath.Clean(dir)}}
	}
}
