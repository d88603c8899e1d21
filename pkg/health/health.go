// Package health runs preflight checks before a dataset run. Components
// register Check functions, and the Checker runs them in parallel to produce
// an aggregate Report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status represents the health state of a component or the run overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Check probes a single dependency and returns its status.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth holds the result of a single check.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result of all checks.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker manages registered checks and runs them concurrently.
type Checker struct {
	checks map[string]Check
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]Check),
		logger: slog.Default().With("component", "health"),
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes all registered checks concurrently. The overall status is
// the worst status among all components.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()
	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range checks {
		wg.Add(1)
		go func(n string, ch Check) {
			defer wg.Done()
			start := time.Now()
			result := ch(ctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[n] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	for _, comp := range report.Components {
		switch comp.Status {
		case StatusDown:
			report.Status = StatusDown
			return report
		case StatusDegraded:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Log writes one line per component, in name order, and a summary line.
func (c *Checker) Log(r Report) {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := r.Components[name]
		level := slog.LevelInfo
		if comp.Status != StatusUp {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "preflight check",
			"check", name, "status", comp.Status, "message", comp.Message, "latency", comp.Latency)
	}
	c.logger.Info("preflight finished", "status", r.Status, "checks", len(names))
}

// Dir reports down when path is not an existing directory.
func Dir(path string) Check {
	return func(ctx context.Context) ComponentHealth {
		info, err := os.Stat(path)
		if err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		if !info.IsDir() {
			return ComponentHealth{Status: StatusDown, Message: path + " is not a directory"}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Writable reports down when a file cannot be created inside dir. The
// directory is created if needed.
func Writable(dir string) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		f, err := os.CreateTemp(dir, ".preflight-*")
		if err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return ComponentHealth{Status: StatusUp, Message: filepath.Clean(dir)}
	}
}

// Optional wraps a reachability probe of an optional backend. A failure is
// reported as degraded because the run continues without the backend.
func Optional(probe func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("unreachable: %v", err)}
		}
		return ComponentHealth{Status: StatusUp}
	}
}
