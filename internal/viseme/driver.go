package viseme

import (
	"errors"
	"sync"
)

// Config holds the lip-sync tunables.
type Config struct {
	// Alpha is the exponential smoothing factor applied to each RMS sample.
	Alpha float64

	// SilenceThreshold is the smoothed level above which a frame counts as
	// speech.
	SilenceThreshold float64

	// MinFrames is how many consecutive speech frames are needed before the
	// mouth moves.
	MinFrames int

	// Gain scales the smoothed level into an intensity, clamped to 1.
	Gain float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:            0.1,
		SilenceThreshold: 0.02,
		MinFrames:        3,
		Gain:             5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Alpha <= 0 || c.Alpha > 1 {
		errs = append(errs, errors.New("viseme: alpha must be in (0, 1]"))
	}
	if c.SilenceThreshold < 0 {
		errs = append(errs, errors.New("viseme: silence threshold must not be negative"))
	}
	if c.MinFrames < 0 {
		errs = append(errs, errors.New("viseme: min frames must not be negative"))
	}
	if c.Gain <= 0 {
		errs = append(errs, errors.New("viseme: gain must be positive"))
	}
	return errors.Join(errs...)
}

// Frame is the mouth state for one render tick.
type Frame struct {
	// Intensity is the single scalar applied to every target, in [0, 1].
	Intensity float64 `json:"intensity"`

	// Speaking reports whether the driver considers the signal speech.
	Speaking bool `json:"speaking"`

	// Targets maps morph-target names to their intensity.
	Targets map[string]float64 `json:"targets"`

	// Influences maps mesh name to {morph index → intensity} for the bound
	// rig. Nil when no rig is set.
	Influences map[string]map[int]float64 `json:"influences,omitempty"`
}

// Zero returns a frame with the mouth closed on every target of rig.
func Zero(rig *Rig) Frame {
	return Frame{Targets: targets(0), Influences: rig.influences(0)}
}

func targets(intensity float64) map[string]float64 {
	t := make(map[string]float64, len(All))
	for _, v := range All {
		t[v.MorphName()] = intensity
	}
	return t
}

// Driver smooths a loudness signal and gates it into mouth intensities.
//
// Driver is safe for concurrent use; Step is normally called from a single
// render loop while SetRig may be called from the transport.
type Driver struct {
	cfg Config

	mu       sync.Mutex
	rig      *Rig
	smoothed float64
	counter  int
}

// NewDriver creates a Driver. rig may be nil and set later with SetRig.
func NewDriver(cfg Config, rig *Rig) *Driver {
	return &Driver{cfg: cfg, rig: rig}
}

// SetRig replaces the bound rig.
func (d *Driver) SetRig(rig *Rig) {
	d.mu.Lock()
	d.rig = rig
	d.mu.Unlock()
}

// Rig returns the bound rig, or nil.
func (d *Driver) Rig() *Rig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rig
}

// Step folds one RMS sample into the smoothed level and returns the frame
// for this tick. The mouth stays closed until MinFrames consecutive samples
// keep the smoothed level above SilenceThreshold.
func (d *Driver) Step(rms float64) Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.smoothed = d.smoothed*(1-d.cfg.Alpha) + rms*d.cfg.Alpha
	if d.smoothed > d.cfg.SilenceThreshold {
		d.counter++
	} else {
		d.counter = 0
	}

	speaking := d.counter >= d.cfg.MinFrames
	intensity := 0.0
	if speaking {
		intensity = min(max(d.smoothed*d.cfg.Gain, 0), 1)
	}
	return Frame{
		Intensity:  intensity,
		Speaking:   speaking,
		Targets:    targets(intensity),
		Influences: d.rig.influences(intensity),
	}
}

// Reset clears the smoothed level and the speech counter.
func (d *Driver) Reset() {
	d.mu.Lock()
	d.smoothed = 0
	d.counter = 0
	d.mu.Unlock()
}
