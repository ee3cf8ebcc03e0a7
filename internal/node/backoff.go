package node

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the accept loop's retry delay after temporary errors.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the delay before retry number attempt (1-based).
// Jitter scales the capped delay into [0.5, 1.5).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := max(cfg.Multiplier, 1)
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if attempt > 1 && cfg.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}

// acceptBackoff tracks consecutive accept failures for one listener.
type acceptBackoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func newAcceptBackoff(cfg BackoffConfig) *acceptBackoff {
	return &acceptBackoff{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *acceptBackoff) next() (int, time.Duration) {
	b.attempt++
	return b.attempt, NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

func (b *acceptBackoff) reset() { b.attempt = 0 }
