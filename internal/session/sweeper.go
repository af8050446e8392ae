package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/proctor/internal/core"
)

// SweepIdle records an idle_detected event for every active session whose
// browser has seen no activity for longer than its profile's max idle time.
// It returns the number of sessions flagged.
func (c *Coordinator) SweepIdle(ctx context.Context) int {
	flagged := 0
	for _, s := range c.registry.All() {
		if s.Browser == nil || s.maxIdle <= 0 || s.Completed() {
			continue
		}
		res, ok := s.Browser.CheckIdle(s.maxIdle)
		if !ok {
			continue
		}
		flagged++
		c.recordViolation(s, core.ComponentBrowser, res.Event.ID, res.Event.Type, res.Event.Severity, false)
		c.applyThresholds(ctx, s)
		c.afterMutation(ctx, s)
	}
	return flagged
}

// SweepRetention evicts sessions completed more than ttl ago. Their reports
// stay available from the archive. It returns the number evicted.
func (c *Coordinator) SweepRetention(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	now := c.now()
	evicted := 0
	for _, s := range c.registry.All() {
		done := s.CompletedAt()
		if done == nil || now.Sub(*done) < ttl {
			continue
		}
		if !c.registry.Remove(s.ID) {
			continue
		}
		evicted++
		if c.snapshots != nil {
			if err := c.snapshots.Delete(ctx, s.ID); err != nil {
				c.logger.Warn("snapshot delete failed", "session_id", s.ID, "error", err)
			}
		}
	}
	return evicted
}

// SweeperConfig sets the intervals of the background sweeps. A zero
// interval disables that sweep.
type SweeperConfig struct {
	IdleInterval      time.Duration
	RetentionInterval time.Duration
	CompletedTTL      time.Duration
}

// Sweeper runs the idle and retention sweeps on tickers.
type Sweeper struct {
	coord  *Coordinator
	config SweeperConfig
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewSweeper creates and starts a sweeper.
func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	sw := &Sweeper{
		coord:  coord,
		config: cfg,
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
	}
	if cfg.IdleInterval > 0 {
		sw.wg.Add(1)
		go sw.loop("idle", cfg.IdleInterval, func(ctx context.Context) int {
			return coord.SweepIdle(ctx)
		})
	}
	if cfg.RetentionInterval > 0 && cfg.CompletedTTL > 0 {
		sw.wg.Add(1)
		go sw.loop("retention", cfg.RetentionInterval, func(ctx context.Context) int {
			return coord.SweepRetention(ctx, cfg.CompletedTTL)
		})
	}
	return sw
}

// Stop halts both loops and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	sw.once.Do(func() { close(sw.stopCh) })
	sw.wg.Wait()
}

func (sw *Sweeper) loop(name string, interval time.Duration, sweep func(context.Context) int) {
	defer sw.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sw.logger.Printf("Started %s sweep (interval=%s)", name, interval)
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if n := sweep(ctx); n > 0 {
				sw.logger.Printf("%s sweep: %d sessions", name, n)
			}
			cancel()
		case <-sw.stopCh:
			sw.logger.Printf("%s sweep stopped", name)
			return
		}
	}
}
