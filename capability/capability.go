// Package capability defines the small behavioral contracts an instrument
// driver can implement: camera, stage, power meter, laser, movable,
// readable, triggerable, shutter-control, wavelength-tunable. An
// instrument may satisfy any combination of these by implementing the
// corresponding interface(s).
//
// Capabilities are plain Go interfaces; a caller probes for a richer
// capability with a type assertion (`if c, ok := inst.(Camera); ok`)
// rather than through a registry or tag.
package capability

import (
	"github.jpl.nasa.gov/daq/corefw/measurement"
)

// ROI is a region of interest on a camera sensor, in pixels.
type ROI struct {
	X, Y, Width, Height int
}

// Camera captures frames and controls exposure/ROI.
type Camera interface {
	Capture() (measurement.Image, error)
	SetExposure(seconds float64) error
	GetExposure() (float64, error)
	SetROI(roi ROI) error
	GetSensorSize() (width, height int, err error)
}

// Movable positions a single-axis device (a stage, a filter wheel).
type Movable interface {
	MoveAbsolute(position float64) error
	MoveRelative(delta float64) error
	GetPosition() (float64, error)
	Stop() error
}

// Stage is a Movable that additionally reports whether it has settled
// onto its commanded position.
type Stage interface {
	Movable
	IsSettled() (bool, error)
}

// Readable returns a single scalar measurement on demand, without needing
// a prior Trigger (e.g. a power meter or a thermocouple already sampling
// continuously).
type Readable interface {
	Read() (measurement.Scalar, error)
}

// Triggerable arms a device to take a single new reading; the result is
// retrieved through Readable once the operation completes.
type Triggerable interface {
	Trigger() error
}

// PowerMeter reads optical power and reports/sets its measurement
// wavelength (power meters calibrate their responsivity per-wavelength).
type PowerMeter interface {
	Readable
	SetWavelength(nanometers float64) error
	GetWavelength() (float64, error)
}

// Laser controls emission and output power of a laser source.
type Laser interface {
	SetEmission(on bool) error
	GetEmission() (bool, error)
	SetPower(watts float64) error
	GetPower() (float64, error)
}

// ShutterControl opens and closes a beam shutter.
type ShutterControl interface {
	Open() error
	Close() error
	IsOpen() (bool, error)
}

// WavelengthTunable controls a tunable source or monochromator's
// wavelength independent of PowerMeter's calibration-only sense.
type WavelengthTunable interface {
	SetWavelength(nanometers float64) error
	GetWavelength() (float64, error)
}

// Traits returns the names of every capability trait inst satisfies, by
// type-asserting it against each interface in turn. Used to build a
// module's static capability manifest.
func Traits(inst interface{}) []string {
	var traits []string
	if _, ok := inst.(Camera); ok {
		traits = append(traits, "camera")
	}
	if _, ok := inst.(Stage); ok {
		traits = append(traits, "stage")
	} else if _, ok := inst.(Movable); ok {
		traits = append(traits, "movable")
	}
	if _, ok := inst.(Triggerable); ok {
		traits = append(traits, "triggerable")
	}
	if _, ok := inst.(PowerMeter); ok {
		traits = append(traits, "power_meter")
	} else if _, ok := inst.(Readable); ok {
		traits = append(traits, "readable")
	}
	if _, ok := inst.(Laser); ok {
		traits = append(traits, "laser")
	}
	if _, ok := inst.(ShutterControl); ok {
		traits = append(traits, "shutter_control")
	}
	if _, ok := inst.(WavelengthTunable); ok {
		traits = append(traits, "wavelength_tunable")
	}
	return traits
}

// Has reports whether inst satisfies the named trait, per the set Traits
// recognizes.
func Has(inst interface{}, trait string) bool {
	for _, t := range Traits(inst) {
		if t == trait {
			return true
		}
	}
	return false
}
