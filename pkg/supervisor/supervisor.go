// Package supervisor re-establishes a coalescer's connection after it drops,
// retrying with exponential backoff up to a fixed number of attempts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-streambatch/pkg/coalescer"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is returned by Run when every reconnect attempt failed.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Runner is the part of a Coalescer the supervisor drives.
type Runner interface {
	Reconnect(ctx context.Context) error
	Disconnected() <-chan struct{}
}

// Config bounds the retry policy.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries uint64
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxRetries:      10,
	}
}

// Supervisor watches a Runner for disconnects.
type Supervisor struct {
	runner Runner
	config Config
	logger zerolog.Logger
}

func New(runner Runner, cfg Config, logger zerolog.Logger) *Supervisor {
	logger = logger.With().Str("component", "Supervisor").Logger()
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		logger.Warn().Dur("default", def.InitialInterval).Msg("InitialInterval not set, using default.")
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		logger.Warn().Dur("max_interval", cfg.MaxInterval).Msg("MaxInterval below InitialInterval, raising it.")
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Supervisor{runner: runner, config: cfg, logger: logger}
}

func (s *Supervisor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialInterval
	b.MaxInterval = s.config.MaxInterval
	// Attempts are bounded by MaxRetries, not by elapsed time.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.config.MaxRetries), ctx)
}

// Run blocks until ctx is cancelled or the runner is stopped, both of which
// return nil, or until a disconnect could not be repaired within the retry
// budget, which returns an error wrapping ErrRetriesExhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		disconnected := s.runner.Disconnected()
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
		}
		if s.runner.Disconnected() != disconnected {
			s.logger.Debug().Msg("Connection already replaced, not reconnecting.")
			continue
		}

		attempts := 0
		op := func() error {
			attempts++
			err := s.runner.Reconnect(ctx)
			if errors.Is(err, coalescer.ErrNotRunning) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			s.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("Reconnect failed.")
		}

		err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
		switch {
		case err == nil:
			s.logger.Info().Int("attempts", attempts).Msg("Reconnected.")
		case errors.Is(err, coalescer.ErrNotRunning):
			s.logger.Info().Msg("Runner stopped, supervisor exiting.")
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Error().Err(err).Int("attempts", attempts).Msg("Giving up on reconnect.")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}
	}
}
