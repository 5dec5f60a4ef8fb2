// Package feed drives the daily reference-data refresh. Concrete upstream
// adapters live outside this module; the Syncer wraps whatever sources are
// plugged in with a circuit breaker and a rate limit, then writes the results
// through the store manager.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/datafeedhq/datafeed/internal/store"
)

// DividendSource fetches the full dividend table, keyed by symbol.
type DividendSource interface {
	Dividends(ctx context.Context) (map[string][]store.Dividend, error)
}

// SectorSource fetches the sector membership maps, keyed by sector name.
type SectorSource interface {
	Sectors(ctx context.Context) (map[string]map[string]string, error)
}

// Config tunes the sync driver.
type Config struct {
	// RPS throttles upstream fetches; reference feeds are shared
	// infrastructure and a restart storm must not hammer them.
	RPS   float64
	Burst int

	// BreakerTimeout is how long an opened breaker stays open before a
	// probe request is allowed through.
	BreakerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{RPS: 1, Burst: 2, BreakerTimeout: 5 * time.Minute}
}

// Syncer implements the scheduler's FeedSyncer over pluggable sources.
// A nil source turns the corresponding sync into a no-op.
type Syncer struct {
	mgr       *store.Manager
	dividends DividendSource
	sectors   SectorSource
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	log       zerolog.Logger
}

// NewSyncer wires the sources to the manager.
func NewSyncer(mgr *store.Manager, dividends DividendSource, sectors SectorSource, cfg Config, logger zerolog.Logger) *Syncer {
	log := logger.With().Str("component", "feed").Logger()
	return &Syncer{
		mgr:       mgr,
		dividends: dividends,
		sectors:   sectors,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "reference-feed",
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("from", from.String()).Str("to", to.String()).
					Msg("feed breaker state changed")
			},
		}),
		log: log,
	}
}

// fetch runs one upstream call behind the rate limit and the breaker.
func (s *Syncer) fetch(ctx context.Context, what string, fn func() (any, error)) (any, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v, err := s.breaker.Execute(fn)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", what, err)
	}
	return v, nil
}

// SyncDividends replaces every symbol's dividend rows with the upstream
// table and flushes the dump.
func (s *Syncer) SyncDividends(ctx context.Context) error {
	if s.dividends == nil {
		return nil
	}
	v, err := s.fetch(ctx, "dividends", func() (any, error) {
		return s.dividends.Dividends(ctx)
	})
	if err != nil {
		return err
	}
	table := v.(map[string][]store.Dividend)
	for symbol, rows := range table {
		s.mgr.UpdateDividend(symbol, rows)
	}
	s.log.Info().Int("symbols", len(table)).Msg("dividends synced")
	return s.mgr.Flush()
}

// SyncSectors replaces the sector maps with the upstream table and flushes
// the dump.
func (s *Syncer) SyncSectors(ctx context.Context) error {
	if s.sectors == nil {
		return nil
	}
	v, err := s.fetch(ctx, "sectors", func() (any, error) {
		return s.sectors.Sectors(ctx)
	})
	if err != nil {
		return err
	}
	table := v.(map[string]map[string]string)
	for name, members := range table {
		s.mgr.SetSector(name, members)
	}
	s.log.Info().Int("sectors", len(table)).Msg("sectors synced")
	return s.mgr.Flush()
}
