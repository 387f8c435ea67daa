package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

type Config struct {
	Name             string
	MaxRequests      uint32        // allowed in half-open state
	Interval         time.Duration // closed-state counter reset
	Timeout          time.Duration // open → half-open
	ConsecutiveFails uint32
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		ConsecutiveFails: 5,
	}
}

// New returns a breaker that opens after cfg.ConsecutiveFails failures in a row.
func New[T any](cfg Config, log *slog.Logger) *gobreaker.CircuitBreaker[T] {
	fails := cfg.ConsecutiveFails
	if fails == 0 {
		fails = 5
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			}
		},
	})
}
