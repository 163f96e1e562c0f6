package session

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, maxAttempts is reached or ctx ends.
// maxAttempts <= 0 retries until ctx ends.
func Retry(ctx context.Context, cfg BackoffConfig, maxAttempts int, rng *rand.Rand, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("session: giving up after %d attempts: %w", attempt, err)
		}
		delay := NextBackoffDelay(cfg, attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("session.Retry backing off")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("session: retry aborted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}
