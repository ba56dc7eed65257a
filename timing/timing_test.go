package timing

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestScanIntervalDefaultFromSampleRate(t *testing.T) {
	caps := DefaultCapabilities()
	cfg := Config{SampleRate: 10_000, NChannels: 4}
	plan, err := PlanFor(cfg, caps)
	if err != nil {
		t.Fatalf("PlanFor: %v", err)
	}
	wantScan := uint64(1e9 / 10_000)
	if plan.ScanIntervalNs != wantScan {
		t.Fatalf("ScanIntervalNs = %d, want %d", plan.ScanIntervalNs, wantScan)
	}
	wantConvert := wantScan / 4
	if plan.ConvertIntervalNs != wantConvert {
		t.Fatalf("ConvertIntervalNs = %d, want %d", plan.ConvertIntervalNs, wantConvert)
	}
	if !approxEqual(plan.EffectiveSampleRate, 10_000, 1) {
		t.Fatalf("EffectiveSampleRate = %v, want ~10000", plan.EffectiveSampleRate)
	}
}

func TestSingleChannelConvertIntervalIsZero(t *testing.T) {
	caps := DefaultCapabilities()
	cfg := Config{SampleRate: 1000, NChannels: 1}
	plan, err := PlanFor(cfg, caps)
	if err != nil {
		t.Fatalf("PlanFor: %v", err)
	}
	if plan.ConvertIntervalNs != 0 {
		t.Fatalf("ConvertIntervalNs = %d, want 0 for single channel", plan.ConvertIntervalNs)
	}
}

func TestSettlingMultiplierInflatesConvertInterval(t *testing.T) {
	caps := DefaultCapabilities()
	cfg := Config{SampleRate: 1000, NChannels: 2, SettlingMultiplier: 2}
	scan := uint64(1e9 / 1000)
	want := uint64(float64(scan) / 2 * 2)
	if got := cfg.convertIntervalNs(); got != want {
		t.Fatalf("convertIntervalNs() = %d, want %d", got, want)
	}
	// The inflated interval makes n_channels*convert (2*1e6) exceed the
	// 1e6 ns scan interval, so PlanFor rejects this configuration.
	if _, err := PlanFor(cfg, caps); err == nil {
		t.Fatalf("PlanFor accepted n_channels*convert_interval > scan_interval")
	}
}

func TestValidationRejectsSampleRateOutOfBounds(t *testing.T) {
	caps := DefaultCapabilities()
	cfg := Config{SampleRate: caps.MaxSampleRate * 2, NChannels: 1}
	if _, err := PlanFor(cfg, caps); err == nil {
		t.Fatalf("expected error for out-of-bounds sample rate")
	}
}

func TestValidationRejectsChannelConvertProduct(t *testing.T) {
	caps := DefaultCapabilities()
	// force an explicit convert interval larger than scan/n_channels would allow
	cfg := Config{SampleRate: 1000, NChannels: 4, ConvertIntervalNs: 1_000_000}
	if _, err := PlanFor(cfg, caps); err == nil {
		t.Fatalf("expected error when n_channels*convert > scan")
	}
}

func TestExternalClockRequiresValidPFIPin(t *testing.T) {
	caps := DefaultCapabilities()
	caps.ExternalClockAvailable = true
	caps.PFIPins = []int{0, 1, 2}
	cfg := Config{SampleRate: 1000, NChannels: 1, ClockSource: ClockExternal, ExternalClockPin: 9}
	if _, err := PlanFor(cfg, caps); err == nil {
		t.Fatalf("expected error for invalid PFI pin")
	}
	cfg.ExternalClockPin = 1
	if _, err := PlanFor(cfg, caps); err != nil {
		t.Fatalf("PlanFor with valid PFI pin: %v", err)
	}
}

func TestNearestSampleRateClampsToDivisorRange(t *testing.T) {
	caps := DefaultCapabilities()
	caps.BaseClockHz = 20_000_000
	caps.DivisorRange = DivisorRange{Min: 2, Max: 1000}
	// requesting a rate so high the divisor would be < 2 clamps to divisor 2
	rate := caps.NearestSampleRate(100_000_000)
	want := caps.BaseClockHz / 2
	if rate != want {
		t.Fatalf("NearestSampleRate = %v, want %v", rate, want)
	}
}

func TestApplyAdjustmentsRecomputesEffectiveRate(t *testing.T) {
	caps := DefaultCapabilities()
	cfg := Config{SampleRate: 10_000, NChannels: 1}
	plan, err := PlanFor(cfg, caps)
	if err != nil {
		t.Fatalf("PlanFor: %v", err)
	}
	adjusted := plan.ApplyAdjustments(plan.ScanIntervalNs+50, 0)
	want := 1e9 / float64(plan.ScanIntervalNs+50)
	if !approxEqual(adjusted.EffectiveSampleRate, want, 1e-6) {
		t.Fatalf("EffectiveSampleRate = %v, want %v", adjusted.EffectiveSampleRate, want)
	}
}
