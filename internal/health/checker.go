// Package health probes backend destinations with a real SQL round trip
// so the router stops sending traffic to servers that accept TCP but
// cannot answer queries.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/metrics"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

// Status represents the health status of a destination.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DestinationHealth holds health information for a destination.
type DestinationHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on destinations.
type Checker struct {
	mu           sync.RWMutex
	destinations map[string]*DestinationHealth
	router       *router.Router
	metrics      *metrics.Collector

	interval         time.Duration
	failureThreshold int
	connectTimeout   time.Duration
	username         string
	password         string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker.
func NewChecker(r *router.Router, m *metrics.Collector, cfg config.HealthCheckConfig) *Checker {
	return &Checker{
		destinations:     make(map[string]*DestinationHealth),
		router:           r,
		metrics:          m,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		connectTimeout:   cfg.ConnectTimeout,
		username:         cfg.Username,
		password:         cfg.Password,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	for name, dc := range c.router.List() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.checkOne(name, dc.Address)
	}
}

// checkOne probes one destination with SELECT 1 through the MySQL
// driver.
func (c *Checker) checkOne(name, addr string) {
	err := c.probe(addr)

	c.mu.Lock()
	dh, ok := c.destinations[name]
	if !ok {
		dh = &DestinationHealth{}
		c.destinations[name] = dh
	}
	dh.LastCheck = time.Now()

	if err != nil {
		dh.ConsecutiveFailures++
		dh.LastError = err.Error()
		if dh.ConsecutiveFailures >= c.failureThreshold && dh.Status != StatusUnhealthy {
			dh.Status = StatusUnhealthy
			slog.Warn("destination unhealthy", "destination", name, "err", err)
		}
	} else {
		if dh.Status == StatusUnhealthy {
			slog.Info("destination recovered", "destination", name)
		}
		dh.Status = StatusHealthy
		dh.ConsecutiveFailures = 0
		dh.LastError = ""
	}
	status := dh.Status
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetDestinationHealth(name, status == StatusHealthy)
	}
}

func (c *Checker) probe(addr string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s&readTimeout=%s",
		c.username, c.password, addr, c.connectTimeout, c.connectTimeout)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("opening probe connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	return nil
}

// IsHealthy returns whether a destination is usable. Unknown
// destinations are treated as healthy until a probe says otherwise.
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dh, ok := c.destinations[name]
	if !ok {
		return true
	}
	return dh.Status != StatusUnhealthy
}

// Report returns a snapshot of all destination health states.
func (c *Checker) Report() map[string]DestinationHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]DestinationHealth, len(c.destinations))
	for name, dh := range c.destinations {
		out[name] = *dh
	}
	return out
}
