// Package schedule drives generators from timers and manual triggers.
package schedule

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync/atomic"
	"time"
)

var ErrBusy = errors.New("schedule: run already in progress or pending")

// RunFunc performs one generation and reports whether it fully succeeded.
type RunFunc func(ctx context.Context) (bool, error)

type Config struct {
	Name     string
	Interval time.Duration // 0 disables the timer; manual triggers still work
	DelayMin time.Duration
	DelayMax time.Duration
}

// Generator runs fn at most once at a time. Ticks that arrive while a run
// is in progress are dropped.
type Generator struct {
	cfg     Config
	fn      RunFunc
	running atomic.Bool
	kick    chan struct{}

	// OnResult, when set, is called after every run.
	OnResult func(ok bool, err error)
}

func NewGenerator(cfg Config, fn RunFunc) *Generator {
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Generator{cfg: cfg, fn: fn, kick: make(chan struct{}, 1)}
}

func (g *Generator) Name() string {
	return g.cfg.Name
}

// Running reports whether a run is in progress.
func (g *Generator) Running() bool {
	return g.running.Load()
}

// Kick asks the Start loop for an out of band run.
func (g *Generator) Kick() error {
	if g.running.Load() {
		return ErrBusy
	}
	select {
	case g.kick <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// RunOnce runs fn now unless another run is in progress.
func (g *Generator) RunOnce(ctx context.Context) (bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		return false, ErrBusy
	}
	defer g.running.Store(false)

	start := time.Now()
	ok, err := g.fn(ctx)
	switch {
	case err != nil:
		log.Printf("schedule: %s run failed after %s: %v", g.cfg.Name, time.Since(start).Round(time.Millisecond), err)
	case !ok:
		log.Printf("schedule: %s run finished with failures in %s", g.cfg.Name, time.Since(start).Round(time.Millisecond))
	default:
		log.Printf("schedule: %s run succeeded in %s", g.cfg.Name, time.Since(start).Round(time.Millisecond))
	}
	if g.OnResult != nil {
		g.OnResult(ok, err)
	}
	return ok, err
}

// Start waits a random start delay, then runs on every tick and on every
// Kick until ctx stops.
func (g *Generator) Start(ctx context.Context) error {
	var tick <-chan time.Time
	if g.cfg.Interval > 0 {
		delay := g.startDelay()
		log.Printf("schedule: %s starts in %s, interval %s", g.cfg.Name, delay, g.cfg.Interval)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-g.kick:
			timer.Stop()
		}
		g.tryRun(ctx)

		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("schedule: %s stopped: %v", g.cfg.Name, ctx.Err())
			return ctx.Err()
		case <-tick:
			g.tryRun(ctx)
		case <-g.kick:
			g.tryRun(ctx)
		}
	}
}

func (g *Generator) tryRun(ctx context.Context) {
	if _, err := g.RunOnce(ctx); errors.Is(err, ErrBusy) {
		log.Printf("schedule: %s tick skipped, previous run still in progress", g.cfg.Name)
	}
}

func (g *Generator) startDelay() time.Duration {
	span := g.cfg.DelayMax - g.cfg.DelayMin
	if span <= 0 {
		return g.cfg.DelayMin
	}
	return g.cfg.DelayMin + time.Duration(rand.Int63n(int64(span)+1))
}
