package ws

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines the client's reconnect delay growth.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff doubles from a small base and caps at ten seconds.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:       250 * time.Millisecond,
		Multiplier: 2.0,
		Max:        10 * time.Second,
		Jitter:     true,
	}
}

// NextDelay returns the reconnect delay for attempt N (1-based). The counter
// resets after any successful connection, so attempt 1 always waits Base.
func NextDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
		if cfg.Max > 0 && delay > float64(cfg.Max) {
			delay = float64(cfg.Max)
		}
	}
	return time.Duration(delay)
}
