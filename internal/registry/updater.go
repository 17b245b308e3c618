package registry

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"threat-assembler/internal/domain"
)

type Fetcher interface {
	FetchSnapshot(ctx context.Context) (*domain.Snapshot, error)
}

type Config struct {
	Interval       time.Duration // base refresh interval
	InitialBackoff time.Duration // initial backoff delay
	MaxBackoff     time.Duration // maximum backoff delay
	FetchTimeout   time.Duration // bound of one refresh

	// OnRefresh, when set, observes every refresh attempt after the holder
	// has been updated.
	OnRefresh func(s *domain.Snapshot, err error, took time.Duration)
}

// Start runs background snapshot refreshes until the context stops.
func Start(ctx context.Context, cfg Config, src Fetcher, holder *Holder) error {
	if cfg.Interval <= 0 {
		return nil // config should already be validated
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}

	// Perform the first refresh immediately on startup
	if err := updateOnce(ctx, cfg, src, holder); err != nil {
		log.Printf("registry: initial refresh failed: %v", err)
	} else {
		log.Printf("registry: initial refresh succeeded")
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var consecutiveFailures int

	for {
		select {
		case <-ctx.Done():
			log.Printf("registry: refresher stopped: %v", ctx.Err())
			return ctx.Err()

		case <-ticker.C:
			if err := updateOnce(ctx, cfg, src, holder); err != nil {
				consecutiveFailures++
				backoff := calcBackoff(cfg.InitialBackoff, cfg.MaxBackoff, consecutiveFailures)

				log.Printf("registry: refresh failed (attempt #%d), backoff=%s: %v",
					consecutiveFailures, backoff, err)

				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					log.Printf("registry: refresher stopped during backoff: %v", ctx.Err())
					return ctx.Err()
				case <-timer.C:
				}
				continue
			}

			if consecutiveFailures > 0 {
				log.Printf("registry: refresh recovered after %d failures", consecutiveFailures)
			}
			consecutiveFailures = 0
		}
	}
}

func calcBackoff(initial, max time.Duration, failures int) time.Duration {
	pow := math.Pow(2, float64(failures-1))
	backoff := time.Duration(float64(initial) * pow)
	if backoff > max {
		backoff = max
	}

	// jitter of +-20%
	jitterFrac := 0.2
	jitter := time.Duration(rand.Float64()*2*jitterFrac*float64(backoff)) -
		time.Duration(jitterFrac*float64(backoff))

	return backoff + jitter
}

// updateOnce fetches a snapshot and swaps it into the holder. A failed
// refresh leaves the previous snapshot in place.
func updateOnce(ctx context.Context, cfg Config, src Fetcher, holder *Holder) error {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	snap, err := src.FetchSnapshot(ctx)
	if err == nil {
		holder.Set(snap)
	}
	if cfg.OnRefresh != nil {
		cfg.OnRefresh(snap, err, time.Since(start))
	}
	return err
}

// Refresh performs one synchronous refresh, used by single-pass runs.
func Refresh(ctx context.Context, cfg Config, src Fetcher, holder *Holder) error {
	return updateOnce(ctx, cfg, src, holder)
}
