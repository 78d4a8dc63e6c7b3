package gesture

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// CalibrationPhase is the step the guided capture is on.
type CalibrationPhase int

const (
	PhaseUpper CalibrationPhase = iota // hold the upper pose
	PhaseLower                         // hold the lower pose
	PhaseDone
)

// DefaultHoldDuration is how long a pose must stay continuously valid
// before its capture is accepted.
const DefaultHoldDuration = 2 * time.Second

// Calibrator runs the two-phase guided capture. Each phase averages the hip
// midpoint over a continuous hold; any invalid frame resets the hold.
type Calibrator struct {
	cfg   Config
	hold  time.Duration
	clock clockwork.Clock

	phase   CalibrationPhase
	holding bool
	since   time.Time
	sum     float64
	n       int

	upperY float64
}

// NewCalibrator builds a calibrator starting at the upper phase.
func NewCalibrator(cfg Config, hold time.Duration, clock clockwork.Clock) *Calibrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if hold <= 0 {
		hold = DefaultHoldDuration
	}
	return &Calibrator{cfg: cfg, hold: hold, clock: clock}
}

// Phase reports the current capture step.
func (c *Calibrator) Phase() CalibrationPhase { return c.phase }

// HoldProgress is the fraction [0,1] of the current hold completed.
func (c *Calibrator) HoldProgress() float64 {
	if !c.holding {
		return 0
	}
	p := float64(c.clock.Now().Sub(c.since)) / float64(c.hold)
	if p > 1 {
		p = 1
	}
	return p
}

// Feed consumes one frame. It returns done=true exactly once, with the
// completed calibration, after both phases have been held.
func (c *Calibrator) Feed(f Frame) (Calibration, bool) {
	if c.phase == PhaseDone {
		return Calibration{}, false
	}

	mid, visible := midpointY(c.cfg, f)
	if !visible {
		if c.holding {
			log.Debug().Int("phase", int(c.phase)).Msg("calibration hold reset, landmarks lost")
		}
		c.resetHold()
		return Calibration{}, false
	}

	if !c.holding {
		c.holding = true
		c.since = c.clock.Now()
	}
	c.sum += mid
	c.n++

	if c.clock.Now().Sub(c.since) < c.hold {
		return Calibration{}, false
	}

	captured := c.sum / float64(c.n)
	c.resetHold()

	switch c.phase {
	case PhaseUpper:
		c.upperY = captured
		c.phase = PhaseLower
		log.Info().Float64("upper_y", captured).Msg("upper pose calibrated")
		return Calibration{}, false
	default:
		c.phase = PhaseDone
		cal := Calibration{UpperY: c.upperY, LowerY: captured}
		log.Info().Float64("upper_y", cal.UpperY).Float64("lower_y", cal.LowerY).Msg("calibration complete")
		return cal, true
	}
}

func (c *Calibrator) resetHold() {
	c.holding = false
	c.sum = 0
	c.n = 0
}
