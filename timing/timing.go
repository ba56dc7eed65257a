// Package timing computes and validates scan/convert intervals for a
// planned acquisition. The algorithm is grounded exactly on
// original_source's crates/daq-driver-comedi/src/timing.rs.
package timing

import (
	"math"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/logging"
)

// ClockSource selects where the scan clock comes from.
type ClockSource int

const (
	ClockInternal ClockSource = iota
	ClockExternal
)

// DivisorRange bounds the integer clock divisor a driver may select.
type DivisorRange struct {
	Min, Max uint32
}

func (d DivisorRange) clamp(v uint32) uint32 {
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

// Capabilities describes the hardware's timing envelope.
type Capabilities struct {
	MinSampleRate, MaxSampleRate     float64
	MinScanIntervalNs                uint64
	MinConvertIntervalNs             uint64
	MaxConvertIntervalNs             uint64
	BaseClockHz                      float64
	DivisorRange                     DivisorRange
	PFIPins                          []int
	ExternalClockAvailable           bool
	ClockOutputAvailable             bool
}

// DefaultCapabilities mirrors the conservative defaults the Rust reference
// ships for a generic comedi-class subdevice.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MinSampleRate:          1.0,
		MaxSampleRate:          1_000_000.0,
		MinScanIntervalNs:      1_000,
		MinConvertIntervalNs:   500,
		MaxConvertIntervalNs:   1_000_000_000,
		BaseClockHz:            20_000_000,
		DivisorRange:           DivisorRange{Min: 2, Max: 0xFFFFFFFF},
		PFIPins:                nil,
		ExternalClockAvailable: false,
		ClockOutputAvailable:   false,
	}
}

func (c Capabilities) hasPFIPin(pin int) bool {
	for _, p := range c.PFIPins {
		if p == pin {
			return true
		}
	}
	return false
}

// NearestSampleRate finds the achievable sample rate closest to requested,
// by clamping round(base_clock/requested) into the divisor range and
// dividing back out.
func (c Capabilities) NearestSampleRate(requested float64) float64 {
	if requested <= 0 {
		requested = c.MinSampleRate
	}
	divisor := uint32(math.Round(c.BaseClockHz / requested))
	divisor = c.DivisorRange.clamp(divisor)
	if divisor == 0 {
		divisor = 1
	}
	return c.BaseClockHz / float64(divisor)
}

// Config is a planned acquisition's timing configuration
// "Stream Command"'s computed fields.
type Config struct {
	SampleRate  float64
	NChannels   int
	ClockSource ClockSource

	// ExternalClockPin is consulted only when ClockSource == ClockExternal.
	ExternalClockPin int

	// ScanIntervalNs and ConvertIntervalNs, when non-zero, are explicit
	// overrides; zero means "compute the default".
	ScanIntervalNs    uint64
	ConvertIntervalNs uint64

	// SettlingMultiplier (>= 1) inflates the computed convert interval.
	SettlingMultiplier float64
}

// scanIntervalNs returns the explicit scan interval if set, else 1e9/rate.
func (cfg Config) scanIntervalNs() uint64 {
	if cfg.ScanIntervalNs != 0 {
		return cfg.ScanIntervalNs
	}
	if cfg.SampleRate <= 0 {
		return 0
	}
	return uint64(math.Round(1e9 / cfg.SampleRate))
}

// convertIntervalNs returns the explicit convert interval if set, else the
// default: 0 for single-channel acquisitions, else
// (scan_interval/n_channels)*settling_multiplier.
func (cfg Config) convertIntervalNs() uint64 {
	if cfg.ConvertIntervalNs != 0 {
		return cfg.ConvertIntervalNs
	}
	if cfg.NChannels <= 1 {
		return 0
	}
	mult := cfg.SettlingMultiplier
	if mult < 1 {
		mult = 1
	}
	scan := cfg.scanIntervalNs()
	return uint64(float64(scan) / float64(cfg.NChannels) * mult)
}

// Plan is the resolved output of the Timing Planner: scan interval, convert
// interval, and effective sample rate after driver snapping.
type Plan struct {
	ScanIntervalNs       uint64
	ConvertIntervalNs    uint64
	EffectiveSampleRate  float64
}

// PlanFor computes and validates the timing plan for cfg against caps.
func PlanFor(cfg Config, caps Capabilities) (Plan, error) {
	if cfg.SampleRate < caps.MinSampleRate || cfg.SampleRate > caps.MaxSampleRate {
		return Plan{}, daqerr.New(daqerr.Config, "sample rate outside hardware bounds")
	}

	scanNs := cfg.scanIntervalNs()
	if scanNs < caps.MinScanIntervalNs {
		return Plan{}, daqerr.New(daqerr.Config, "scan interval below hardware minimum")
	}

	convertNs := cfg.convertIntervalNs()
	if cfg.NChannels > 1 {
		if convertNs < caps.MinConvertIntervalNs || convertNs > caps.MaxConvertIntervalNs {
			return Plan{}, daqerr.New(daqerr.Config, "convert interval outside hardware bounds")
		}
	}
	if uint64(cfg.NChannels)*convertNs > scanNs {
		return Plan{}, daqerr.New(daqerr.Config, "n_channels * convert_interval exceeds scan_interval")
	}

	if cfg.ClockSource == ClockExternal {
		if !caps.ExternalClockAvailable {
			return Plan{}, daqerr.New(daqerr.Config, "external clock not available on this hardware")
		}
		if !caps.hasPFIPin(cfg.ExternalClockPin) {
			return Plan{}, daqerr.New(daqerr.Config, "external clock pin is not a valid PFI pin")
		}
	}

	return Plan{
		ScanIntervalNs:      scanNs,
		ConvertIntervalNs:   convertNs,
		EffectiveSampleRate: 1e9 / float64(scanNs),
	}, nil
}

// ApplyAdjustments reconciles the plan with possibly-modified values
// returned by the driver after test/execute, recomputing the effective
// sample rate and logging the discrepancy at warn.
func (p Plan) ApplyAdjustments(driverScanNs, driverConvertNs uint64) Plan {
	if driverScanNs != p.ScanIntervalNs || driverConvertNs != p.ConvertIntervalNs {
		logging.Warnf("timing: driver adjusted scan_interval_ns %d->%d, convert_interval_ns %d->%d",
			p.ScanIntervalNs, driverScanNs, p.ConvertIntervalNs, driverConvertNs)
	}
	p.ScanIntervalNs = driverScanNs
	p.ConvertIntervalNs = driverConvertNs
	p.EffectiveSampleRate = 1e9 / float64(driverScanNs)
	return p
}
