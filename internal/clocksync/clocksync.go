// Package clocksync keeps a best-effort estimate of the offset between the
// local clock and the shared store's authoritative clock. All countdown math
// in the rest of the codebase reads time through Sync.Now rather than the
// wall clock. A missing offset degrades to zero; there is no error state.
package clocksync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/store"
)

// Config controls how often the offset is refreshed.
type Config struct {
	ProbeInterval time.Duration
}

// DefaultConfig returns the production probe cadence.
func DefaultConfig() Config {
	return Config{ProbeInterval: 30 * time.Second}
}

// Sync measures authoritative-minus-local time by writing a throwaway key
// and reading back its server-assigned creation timestamp, compensated by
// the midpoint of the local round trip.
type Sync struct {
	kv       store.KV
	clock    clockwork.Clock
	cfg      Config
	probeKey string

	offsetNs atomic.Int64
}

// New builds a Sync for one participant. The probe key is scoped to the
// participant so concurrent clients never contend on it.
func New(kv store.KV, participantID string, clock clockwork.Clock, cfg Config) *Sync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sync{
		kv:       kv,
		clock:    clock,
		cfg:      cfg,
		probeKey: "clock." + participantID,
	}
}

// Offset returns the current authoritative-minus-local estimate.
func (s *Sync) Offset() time.Duration {
	return time.Duration(s.offsetNs.Load())
}

// Now is the local clock read through the offset.
func (s *Sync) Now() time.Time {
	return s.clock.Now().Add(s.Offset())
}

// NowMs is Now in epoch milliseconds, the unit stored documents use.
func (s *Sync) NowMs() int64 {
	return s.Now().UnixMilli()
}

// Probe performs one offset measurement.
func (s *Sync) Probe(ctx context.Context) error {
	sent := s.clock.Now()
	if _, err := s.kv.Put(ctx, s.probeKey, nil); err != nil {
		return fmt.Errorf("clock probe write: %w", err)
	}
	entry, err := s.kv.Get(ctx, s.probeKey)
	if err != nil {
		return fmt.Errorf("clock probe read: %w", err)
	}
	received := s.clock.Now()

	midpoint := sent.Add(received.Sub(sent) / 2)
	offset := entry.Created.Sub(midpoint)
	s.offsetNs.Store(int64(offset))

	log.Debug().
		Dur("offset", offset).
		Dur("round_trip", received.Sub(sent)).
		Msg("clock offset updated")
	return nil
}

// Run probes immediately and then on every tick until ctx ends. Probe
// failures keep the previous offset; they never terminate the loop.
func (s *Sync) Run(ctx context.Context) error {
	if err := s.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("initial clock probe failed, offset stays at zero")
	}

	ticker := s.clock.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Probe(ctx); err != nil {
				log.Warn().Err(err).Msg("clock probe failed, keeping previous offset")
			}
		}
	}
}
