package gesture

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedHold(t *testing.T, c *Calibrator, clock *clockwork.FakeClock, y float64, d time.Duration) (Calibration, bool) {
	t.Helper()
	var (
		cal  Calibration
		done bool
	)
	steps := int(d / (100 * time.Millisecond))
	for i := 0; i <= steps; i++ {
		cal, done = c.Feed(frameAt(y))
		if done {
			return cal, true
		}
		clock.Advance(100 * time.Millisecond)
	}
	return cal, done
}

func TestCalibratorTwoPhaseCapture(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCalibrator(DefaultConfig(), 2*time.Second, clock)
	require.Equal(t, PhaseUpper, c.Phase())

	_, done := feedHold(t, c, clock, 0.40, 2*time.Second)
	require.False(t, done)
	require.Equal(t, PhaseLower, c.Phase())

	cal, done := feedHold(t, c, clock, 0.70, 2*time.Second)
	require.True(t, done)
	assert.Equal(t, PhaseDone, c.Phase())
	assert.InDelta(t, 0.40, cal.UpperY, 1e-9)
	assert.InDelta(t, 0.70, cal.LowerY, 1e-9)

	// Once done, further frames are ignored.
	_, done = c.Feed(frameAt(0.5))
	assert.False(t, done)
}

func TestInvalidFrameResetsHold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCalibrator(DefaultConfig(), 2*time.Second, clock)

	_, done := feedHold(t, c, clock, 0.40, 1500*time.Millisecond)
	require.False(t, done)

	// A single invisible frame resets the continuous-validity requirement.
	invalid := frameAt(0.40)
	invalid.Landmarks["leftHip"] = Landmark{X: 0.4, Y: 0.4, Visibility: 0.2}
	_, done = c.Feed(invalid)
	require.False(t, done)
	assert.Zero(t, c.HoldProgress())

	// The full hold is required again from scratch.
	_, done = feedHold(t, c, clock, 0.40, 1500*time.Millisecond)
	assert.False(t, done)
	assert.Equal(t, PhaseUpper, c.Phase())

	_, done = feedHold(t, c, clock, 0.40, 600*time.Millisecond)
	assert.False(t, done)
	assert.Equal(t, PhaseLower, c.Phase())
}

func TestHoldProgress(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCalibrator(DefaultConfig(), 2*time.Second, clock)

	assert.Zero(t, c.HoldProgress())
	c.Feed(frameAt(0.4))
	clock.Advance(time.Second)
	assert.InDelta(t, 0.5, c.HoldProgress(), 1e-9)
}
