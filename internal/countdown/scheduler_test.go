package countdown

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/session"
)

// newManualScheduler returns a scheduler whose tick loop never runs on its
// own (hour-long tick interval); tests drive it by calling step directly.
func newManualScheduler(thresholds []int) (*Scheduler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	cfg := Config{
		Phase:        session.PhasePrimary,
		Thresholds:   thresholds,
		TickInterval: time.Hour,
	}
	return New(cfg, clock, clock), clock
}

func activeCountdown(clock clockwork.Clock, d time.Duration) session.Countdown {
	start := clock.Now().UnixMilli()
	return session.Countdown{
		StartTimeMs: &start,
		DurationMs:  d.Milliseconds(),
		Status:      session.CountdownActive,
	}
}

func drain(s *Scheduler) []Event {
	var out []Event
	for {
		select {
		case e := <-s.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestThresholdFiresOnceAcrossJitteryTicks(t *testing.T) {
	s, clock := newManualScheduler([]int{50, 40, 30, 20, 10, 3})
	defer s.Stop()

	s.Observe(activeCountdown(clock, time.Minute))

	// Ticks land at remaining 51, 50, 50, 49 seconds.
	clock.Advance(9 * time.Second)
	s.step()
	assert.Empty(t, drain(s))

	clock.Advance(1 * time.Second)
	s.step()
	s.step()
	clock.Advance(1 * time.Second)
	s.step()

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, KindThreshold, events[0].Kind)
	assert.Equal(t, 50, events[0].Threshold)
}

func TestEveryMilestoneFiresExactlyOncePerInstance(t *testing.T) {
	s, clock := newManualScheduler([]int{50, 40, 30, 20, 10, 3})
	defer s.Stop()

	s.Observe(activeCountdown(clock, time.Minute))

	counts := map[int]int{}
	finished := 0
	for i := 0; i < 650; i++ {
		clock.Advance(100 * time.Millisecond)
		s.step()
		for _, e := range drain(s) {
			switch e.Kind {
			case KindThreshold:
				counts[e.Threshold]++
			case KindFinished:
				finished++
			}
		}
	}

	assert.Equal(t, map[int]int{50: 1, 40: 1, 30: 1, 20: 1, 10: 1, 3: 1}, counts)
	assert.Equal(t, 1, finished)
	assert.Equal(t, time.Duration(0), s.Remaining())
}

func TestCoarseTicksDoNotSkipThresholds(t *testing.T) {
	s, clock := newManualScheduler([]int{10, 3})
	defer s.Stop()

	s.Observe(activeCountdown(clock, 20*time.Second))

	// One giant jump over both thresholds; the edge-crossing comparison must
	// catch them all in a single tick.
	clock.Advance(19 * time.Second)
	s.step()

	events := drain(s)
	require.Len(t, events, 2)
	assert.Equal(t, 10, events[0].Threshold)
	assert.Equal(t, 3, events[1].Threshold)
}

func TestFiredFlagsResetOnNewInstance(t *testing.T) {
	s, clock := newManualScheduler([]int{10})
	defer s.Stop()

	s.Observe(activeCountdown(clock, 15*time.Second))
	clock.Advance(6 * time.Second) // remaining 9s
	s.step()
	require.Len(t, drain(s), 1)

	// A new startTime is a new instance: the 10s milestone may fire again.
	s.Observe(activeCountdown(clock, 15*time.Second))
	clock.Advance(6 * time.Second)
	s.step()
	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, 10, events[0].Threshold)
}

func TestLateObserverDoesNotReplayMissedMilestones(t *testing.T) {
	s, clock := newManualScheduler([]int{50, 10})
	defer s.Stop()

	cd := activeCountdown(clock, time.Minute)
	// The local client first sees the countdown 15 seconds in.
	clock.Advance(15 * time.Second)
	s.Observe(cd)

	clock.Advance(100 * time.Millisecond)
	s.step()
	assert.Empty(t, drain(s), "missed 50s milestone must not fire")

	clock.Advance(36 * time.Second) // remaining ~9s
	s.step()
	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, 10, events[0].Threshold)
}

func TestObserveSameInstanceIsIdempotent(t *testing.T) {
	s, clock := newManualScheduler([]int{10})
	defer s.Stop()

	cd := activeCountdown(clock, 15*time.Second)
	s.Observe(cd)
	clock.Advance(6 * time.Second)
	s.Observe(cd) // same startTime: fired flags survive
	s.step()
	require.Len(t, drain(s), 1)

	s.Observe(cd)
	s.step()
	assert.Empty(t, drain(s))
}

func TestRemainingIsNonNegativeAndNonIncreasing(t *testing.T) {
	s, clock := newManualScheduler(nil)
	defer s.Stop()

	s.Observe(activeCountdown(clock, 10*time.Second))

	prev := s.Remaining()
	for i := 0; i < 12; i++ {
		clock.Advance(time.Second)
		cur := s.Remaining()
		assert.GreaterOrEqual(t, prev, cur)
		assert.GreaterOrEqual(t, cur, time.Duration(0))
		prev = cur
	}
	assert.Equal(t, time.Duration(0), s.Remaining())
}

func TestWaitingSnapshotStopsInstance(t *testing.T) {
	s, clock := newManualScheduler([]int{10})
	defer s.Stop()

	s.Observe(activeCountdown(clock, 15*time.Second))
	s.Observe(session.Countdown{Status: session.CountdownWaiting})

	clock.Advance(10 * time.Second)
	s.step()
	assert.Empty(t, drain(s))
	assert.Equal(t, time.Duration(0), s.Remaining())
}

func TestRunLoopFiresWithRealClock(t *testing.T) {
	clock := clockwork.NewRealClock()
	cfg := Config{
		Phase:        session.PhaseSecondary,
		Thresholds:   []int{1},
		TickInterval: 10 * time.Millisecond,
	}
	s := New(cfg, clock, clock)
	defer s.Stop()

	s.Observe(activeCountdown(clock, 500*time.Millisecond))

	var events []Event
	timeout := time.After(3 * time.Second)
	for len(events) < 2 {
		select {
		case e := <-s.Events():
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out, got %v", events)
		}
	}
	assert.Equal(t, KindThreshold, events[0].Kind)
	assert.Equal(t, 1, events[0].Threshold)
	assert.Equal(t, KindFinished, events[1].Kind)
}
