package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // store, database, backend
	CheckResult
}

// Pinger is anything with a liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs health checks on system components.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	store      Pinger
	degraded   func() bool
	ledger     Pinger
	backends   []backend.Backend
	timeout    time.Duration
	maxLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Store Pinger
	// StoreDegraded reports whether the store currently serves from its local fallback.
	StoreDegraded func() bool
	Ledger        Pinger
	Backends      []backend.Backend

	Timeout    time.Duration
	MaxLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{
		store:      cfg.Store,
		degraded:   cfg.StoreDegraded,
		ledger:     cfg.Ledger,
		backends:   cfg.Backends,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Check performs all health checks and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.backends)+2)

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comp := c.checkPing(ctx, "session_store", "store", c.store)
			if comp.Status == StatusHealthy && c.degraded != nil && c.degraded() {
				comp.Status = StatusDegraded
				comp.Message = "Primary unreachable, serving from memory"
			}
			results <- comp
		}()
	}
	if c.ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkPing(ctx, "ledger", "database", c.ledger)
		}()
	}
	for _, b := range c.backends {
		wg.Add(1)
		go func(b backend.Backend) {
			defer wg.Done()
			results <- c.checkBackend(ctx, b)
		}(b)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) checkPing(ctx context.Context, name, typ string, p Pinger) Component {
	comp := Component{
		Name:        name,
		Type:        typ,
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := p.Ping(pingCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
		return comp
	}
	if comp.Latency > c.maxLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkBackend(ctx context.Context, b backend.Backend) Component {
	comp := Component{
		Name:        "backend:" + b.Name(),
		Type:        "backend",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok := b.Available(probeCtx)
	comp.Latency = time.Since(start)
	if ok {
		comp.Status = StatusHealthy
		comp.Message = "Available"
	} else {
		comp.Status = StatusDegraded
		comp.Message = "Unavailable"
	}
	return comp
}

// calculateOverallStatus determines overall health based on component statuses. A failed store
// or database makes the service unhealthy; so does having no available backend at all.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false
	backends, backendsUp := 0, 0

	for _, comp := range components {
		if comp.Type == "backend" {
			backends++
			if comp.Status == StatusHealthy {
				backendsUp++
			}
		}
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "store" || comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if criticalUnhealthy || (backends > 0 && backendsUp == 0) {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
