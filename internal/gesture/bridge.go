// Package gesture adapts the external classifier's raw landmark output into
// the discrete posture symbols the session and mirror layers consume. The
// classifier itself is a black box on the far side of a websocket; this
// package only gates on landmark visibility and applies calibrated
// geometric thresholds.
package gesture

// Landmark is one body point in normalized image coordinates.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

// Frame is one classifier output: the landmark set for a single video frame.
type Frame struct {
	Landmarks   map[string]Landmark `json:"landmarks"`
	TimestampMs int64               `json:"timestamp"`
}

// Landmark names as the classifier reports them.
const (
	LandmarkLeftShoulder  = "leftShoulder"
	LandmarkRightShoulder = "rightShoulder"
	LandmarkLeftHip       = "leftHip"
	LandmarkRightHip      = "rightHip"
	LandmarkLeftKnee      = "leftKnee"
	LandmarkRightKnee     = "rightKnee"
)

// Posture is the derived discrete posture symbol.
type Posture string

const (
	PostureUnknown Posture = ""
	PostureUp      Posture = "up"
	PostureDown    Posture = "down"
)

// Reading is consumed once per frame by the caller.
type Reading struct {
	AllLandmarksVisible bool
	Posture             Posture
}

// Config fixes the landmark gates and the threshold margin.
type Config struct {
	// Required landmarks; every one must clear the visibility threshold and
	// lie inside the frame for a reading to count.
	Required            []string
	VisibilityThreshold float64
	// Margin tightens the calibrated operating thresholds so small jitter
	// around a calibration point does not flap the posture.
	Margin float64
}

// DefaultConfig matches the landmark set the posture rule needs.
func DefaultConfig() Config {
	return Config{
		Required: []string{
			LandmarkLeftShoulder, LandmarkRightShoulder,
			LandmarkLeftHip, LandmarkRightHip,
			LandmarkLeftKnee, LandmarkRightKnee,
		},
		VisibilityThreshold: 0.6,
		Margin:              0.05,
	}
}

// Calibration holds the two captured midpoint heights from the guided
// two-phase capture. Y grows downward, so UpperY < LowerY.
type Calibration struct {
	UpperY float64 `json:"upperY"`
	LowerY float64 `json:"lowerY"`
}

// Bridge turns frames into readings. It is not safe for concurrent use; the
// caller feeds it from a single frame loop.
type Bridge struct {
	cfg        Config
	cal        Calibration
	calibrated bool
	last       Posture
}

// NewBridge builds an uncalibrated bridge: it reports visibility but emits
// PostureUnknown until SetCalibration.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

// SetCalibration installs the session's calibrated thresholds.
func (b *Bridge) SetCalibration(cal Calibration) {
	b.cal = cal
	b.calibrated = true
	b.last = PostureUnknown
}

// Process derives the reading for one frame. While any required landmark is
// invisible or out of frame the posture is unknown and gameplay signaling
// tied to posture is suspended by the caller; on recovery the previous
// posture is not replayed, the next valid frame re-derives it.
func (b *Bridge) Process(f Frame) Reading {
	mid, visible := midpointY(b.cfg, f)
	if !visible {
		return Reading{AllLandmarksVisible: false, Posture: PostureUnknown}
	}
	if !b.calibrated {
		return Reading{AllLandmarksVisible: true, Posture: PostureUnknown}
	}

	switch {
	case mid <= b.cal.UpperY+b.cfg.Margin:
		b.last = PostureUp
	case mid >= b.cal.LowerY-b.cfg.Margin:
		b.last = PostureDown
	}
	// Between the two operating thresholds the previous posture holds.
	return Reading{AllLandmarksVisible: true, Posture: b.last}
}

// midpointY reports the hip midpoint height and whether every required
// landmark passed the visibility and in-frame gates.
func midpointY(cfg Config, f Frame) (float64, bool) {
	for _, name := range cfg.Required {
		lm, ok := f.Landmarks[name]
		if !ok || lm.Visibility < cfg.VisibilityThreshold {
			return 0, false
		}
		if lm.X < 0 || lm.X > 1 || lm.Y < 0 || lm.Y > 1 {
			return 0, false
		}
	}
	left := f.Landmarks[LandmarkLeftHip]
	right := f.Landmarks[LandmarkRightHip]
	return (left.Y + right.Y) / 2, true
}
