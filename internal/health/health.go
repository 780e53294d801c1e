// Package health runs background readiness probes and exposes the latest
// snapshot for the ops /healthz endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/orchestrator"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// Checker runs background probes against every active provider config, the
// registry's database and (when configured) Redis, and exposes the latest
// results for the ops HTTP listener.
type Checker struct {
	registry   *registry.Registry
	newAdapter orchestrator.AdapterFactory
	db         *gorm.DB
	rdb        *redis.Client
	metrics    *metrics.Registry
	baseCtx    context.Context

	mu             sync.RWMutex
	configStatuses map[uint]*componentStatus
	dbStatus       componentStatus
	redisStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Checker and starts its background probe loop. rdb may be
// nil when Redis is not configured, in which case the Redis component is
// reported "ok" (not configured = no failure mode to report).
func New(ctx context.Context, reg *registry.Registry, newAdapter orchestrator.AdapterFactory, db *gorm.DB, rdb *redis.Client, met *metrics.Registry) *Checker {
	c := &Checker{
		registry:       reg,
		newAdapter:     newAdapter,
		db:             db,
		rdb:            rdb,
		metrics:        met,
		baseCtx:        ctx,
		configStatuses: make(map[uint]*componentStatus),
		startTime:      time.Now(),
		done:           make(chan struct{}),
	}

	c.probe()

	c.wg.Add(1)
	go c.run()

	return c
}

// Snapshot is the /healthz response body.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Database      string            `json:"database"`
	Redis         string            `json:"redis"`
}

// Snapshot builds a snapshot from the latest probe results.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := "ok"
	providers := make(map[string]string, len(c.configStatuses))
	for id, s := range c.configStatuses {
		st := s.get()
		providers[idLabel(id)] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	db := c.dbStatus.get()
	redisStatus := c.redisStatus.get()
	if db == "down" {
		overall = "degraded"
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Providers:     providers,
		Database:      db,
		Redis:         redisStatus,
	}
}

// ReadinessOK reports whether the database is reachable, the signal a
// Kubernetes readiness probe cares about.
func (c *Checker) ReadinessOK() bool {
	return c.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (c *Checker) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.done:
			return
		}
	}
}

func (c *Checker) probe() {
	ctx, cancel := context.WithTimeout(c.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.probeProviders(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.pingDB(ctx) {
			c.dbStatus.set("ok")
		} else {
			c.dbStatus.set("down")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if c.rdb == nil {
			c.redisStatus.set("ok")
			return
		}
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			c.redisStatus.set("degraded")
		} else {
			c.redisStatus.set("ok")
		}
	}()

	wg.Wait()
}

func (c *Checker) pingDB(ctx context.Context) bool {
	if c.db == nil {
		return true
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (c *Checker) probeProviders(ctx context.Context) {
	configs, err := c.registry.ListConfigs(ctx)
	if err != nil {
		return
	}

	seen := make(map[uint]struct{}, len(configs))
	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.IsActive {
			continue
		}
		cfg := cfg
		seen[cfg.ID] = struct{}{}

		c.mu.Lock()
		s, ok := c.configStatuses[cfg.ID]
		if !ok {
			s = &componentStatus{status: "unknown"}
			c.configStatuses[cfg.ID] = s
		}
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			decrypted, err := c.registry.DecryptConfig(ctx, cfg.ID)
			if err != nil {
				s.set("degraded")
				return
			}
			adapter, err := c.newAdapter(ctx, decrypted.Kind, decrypted.APIKey, decrypted.Model)
			if err != nil {
				s.set("degraded")
				return
			}
			ok, verr := adapter.ValidateCredentials(ctx)
			healthy := verr == nil && ok
			if healthy {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if c.metrics != nil {
				c.metrics.SetProviderHealth(string(decrypted.Kind), healthy)
			}
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for id := range c.configStatuses {
		if _, ok := seen[id]; !ok {
			delete(c.configStatuses, id)
		}
	}
	c.mu.Unlock()
}

func idLabel(id uint) string {
	return fmt.Sprintf("config-%d", id)
}
