// Package countdown converts a shared countdown document into a local
// monotonic remaining-time stream and fires a configured set of one-shot
// milestone events exactly once per countdown instance. Both clients replay
// the same timeline independently: all math goes through an offset-adjusted
// clock, never the raw wall clock.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/session"
)

// Kind discriminates scheduler events.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindFinished  Kind = "finished"
)

// Event is one milestone or phase-finished notification.
type Event struct {
	Phase     session.Phase
	Kind      Kind
	Threshold int           // remaining seconds, set for threshold events
	Remaining time.Duration // remaining time when the event fired
}

// Clock is the offset-adjusted time source; *clocksync.Sync satisfies it.
type Clock interface {
	Now() time.Time
}

// Config holds the milestone set and tick cadence for one phase.
type Config struct {
	Phase        session.Phase
	Thresholds   []int // remaining-second marks, e.g. {50,40,30,20,10,3}
	TickInterval time.Duration
}

// DefaultConfig returns the standard milestone set. The tick interval is
// sub-second so no integer boundary can be skipped between ticks.
func DefaultConfig(phase session.Phase) Config {
	return Config{
		Phase:        phase,
		Thresholds:   []int{50, 40, 30, 20, 10, 3},
		TickInterval: 100 * time.Millisecond,
	}
}

// Scheduler runs the waiting -> active -> finished machine for one phase.
// Thresholds compare against the rounded-up-to-seconds remaining value and
// fire on edge crossings (previous ceil > t >= current ceil), so imprecise
// tick scheduling can never skip a milestone or fire it twice.
type Scheduler struct {
	cfg   Config
	ticks clockwork.Clock
	clock Clock

	events chan Event

	mu       sync.Mutex
	active   bool
	startMs  int64
	duration time.Duration
	fired    map[int]bool
	prevCeil int
	cancel   context.CancelFunc
}

// New builds a scheduler. ticks drives the polling loop (a fake clock in
// tests); clock is the offset-adjusted time source.
func New(cfg Config, ticks clockwork.Clock, clock Clock) *Scheduler {
	if ticks == nil {
		ticks = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:    cfg,
		ticks:  ticks,
		clock:  clock,
		events: make(chan Event, len(cfg.Thresholds)+4),
	}
}

// Events returns the milestone event channel.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Observe feeds one countdown snapshot into the state machine. A transition
// into active with a new start time begins a fresh instance: all previously
// fired milestone flags are cleared. Waiting or finished snapshots stop any
// running loop.
func (s *Scheduler) Observe(cd session.Countdown) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cd.Status != session.CountdownActive || cd.StartTimeMs == nil {
		s.stopLocked()
		return
	}
	if s.active && s.startMs == *cd.StartTimeMs {
		return // same instance, nothing to do
	}

	s.stopLocked()
	s.active = true
	s.startMs = *cd.StartTimeMs
	s.duration = time.Duration(cd.DurationMs) * time.Millisecond
	s.fired = make(map[int]bool, len(s.cfg.Thresholds))
	// Thresholds already below the remaining value at (re)entry never fire:
	// a client observing a countdown late does not replay missed milestones.
	s.prevCeil = ceilSeconds(s.remainingLocked()) + 1

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	log.Debug().
		Str("phase", string(s.cfg.Phase)).
		Int64("start_ms", s.startMs).
		Dur("duration", s.duration).
		Msg("countdown instance started")
}

// Stop halts the polling loop and clears fired flags. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.active = false
	s.fired = nil
}

// Remaining is never negative and non-increasing within one instance.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}
	return s.remainingLocked()
}

func (s *Scheduler) remainingLocked() time.Duration {
	elapsed := s.clock.Now().Sub(time.UnixMilli(s.startMs))
	remaining := s.duration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := s.ticks.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.step() {
				return
			}
		}
	}
}

// step evaluates one tick and reports whether the instance finished.
func (s *Scheduler) step() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return true
	}

	remaining := s.remainingLocked()
	cur := ceilSeconds(remaining)

	var out []Event
	for _, t := range s.cfg.Thresholds {
		if !s.fired[t] && s.prevCeil > t && cur <= t {
			s.fired[t] = true
			out = append(out, Event{
				Phase:     s.cfg.Phase,
				Kind:      KindThreshold,
				Threshold: t,
				Remaining: remaining,
			})
		}
	}
	s.prevCeil = cur

	finished := remaining == 0
	if finished {
		out = append(out, Event{Phase: s.cfg.Phase, Kind: KindFinished})
		s.stopLocked()
	}
	s.mu.Unlock()

	for _, e := range out {
		s.emit(e)
	}
	return finished
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
		log.Warn().
			Str("phase", string(e.Phase)).
			Int("threshold", e.Threshold).
			Msg("milestone event buffer full, dropping")
	}
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
