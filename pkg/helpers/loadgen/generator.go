// Package loadgen drives a broker with synthetic messages at fixed rates so
// the stream pipeline can be exercised end to end.
package loadgen

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source is one simulated producer. MessageRate is in messages per second.
// MaxMessages, if positive, stops the source after that many publishes.
type Source struct {
	ID               string
	MessageRate      float64
	MaxMessages      int
	PayloadGenerator PayloadGenerator
}

// LoadGenerator runs every source against one client.
type LoadGenerator struct {
	client  Client
	sources []*Source
	logger  zerolog.Logger
}

func NewLoadGenerator(client Client, sources []*Source, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		sources: sources,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes for at most duration and returns the number of messages
// published successfully.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) (int, error) {
	lg.logger.Info().Int("num_sources", len(lg.sources)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return 0, err
	}
	defer lg.client.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, source := range lg.sources {
		wg.Add(1)
		go func(s *Source) {
			defer wg.Done()
			n := lg.runSource(ctx, s)
			mu.Lock()
			total += n
			mu.Unlock()
		}(source)
	}

	wg.Wait()
	lg.logger.Info().Int("published", total).Msg("Load generator finished")
	return total, nil
}

func (lg *LoadGenerator) runSource(ctx context.Context, source *Source) int {
	if source.MessageRate <= 0 {
		lg.logger.Warn().Str("source_id", source.ID).Msg("Source has a message rate of 0, no messages will be sent")
		return 0
	}

	interval := time.Duration(float64(time.Second) / source.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Debug().Str("source_id", source.ID).Float64("rate_hz", source.MessageRate).Dur("interval", interval).Msg("Source starting")

	published := 0
	for {
		if source.MaxMessages > 0 && published >= source.MaxMessages {
			return published
		}
		select {
		case <-ctx.Done():
			return published
		case <-ticker.C:
			if err := lg.client.Publish(ctx, source); err != nil {
				lg.logger.Error().Err(err).Str("source_id", source.ID).Msg("Failed to publish message")
				continue
			}
			published++
		}
	}
}
