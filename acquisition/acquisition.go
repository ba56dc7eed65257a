// Package acquisition implements the command machine: build a
// low-level dmabuf.Command from a declarative StreamCommand, test/arm/run
// it against a dmabuf.Device, and drain samples as voltages while tracking
// buffer fill and overflow.
//
// Grounded on the state machine spec.md §4.3 describes, with the device
// handle kept behind a small accessor type the way the reference keeps
// cgo-backed hardware behind acromag/ap235.AP235 and mccdaq.DAC, and with
// read-step/statistics detail filled in from original_source's
// crates/daq-driver-comedi/src/continuous.rs and its sibling streaming.rs.
package acquisition

import (
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.jpl.nasa.gov/daq/corefw/acquisition/dmabuf"
	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/logging"
)

// maxTestPasses bounds the Build/Test retry loop; a driver that still
// reports an adjustment at pass 20 is treated as non-convergent.
const maxTestPasses = 20

// State is a stage of the acquisition command machine.
type State int

const (
	Idle State = iota
	Building
	Armed
	Running
	Draining
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// StartTrigger selects how a streamed acquisition begins.
type StartTrigger int

const (
	StartSoftware StartTrigger = iota
	StartExternal
	StartFollow
)

// ScanTrigger selects the per-scan clock source.
type ScanTrigger int

const (
	ScanInternalTimer ScanTrigger = iota
	ScanExternal
)

// StopKind selects how a streamed acquisition is told to end.
type StopKind int

const (
	// StopContinuous runs until Stop() is called; encodes to the driver's
	// NONE sentinel, never COUNT-with-zero.
	StopContinuous StopKind = iota
	StopCount
	StopDuration
)

// StopCondition describes when a streamed acquisition ends.
type StopCondition struct {
	Kind     StopKind
	Count    uint64        // scans, when Kind == StopCount
	Duration time.Duration // when Kind == StopDuration
}

// Range maps a device's range index to a voltage span, used to convert raw
// codes back to volts on read. Indexing mirrors the reference's own
// idealCode range table (acromag/ap235).
type Range struct{ Min, Max float64 }

// DefaultRanges is the conservative symmetric/asymmetric range table used
// when a StreamCommand's channel does not carry its own.
var DefaultRanges = []Range{
	{-10, 10}, {0, 10}, {-5, 5}, {0, 5}, {-2.5, 7.5}, {-3, 3}, {0, 16}, {0, 20},
}

// StreamCommand is the declarative description of a planned acquisition
//, independent of any particular driver's wire
// encoding.
type StreamCommand struct {
	Subdevice int
	Priority  bool
	Channels  []dmabuf.Channel

	StartTrigger StartTrigger
	StartArg     int // PFI pin, when StartTrigger == StartExternal

	ScanTrigger ScanTrigger
	ScanArg     int // PFI pin, when ScanTrigger == ScanExternal

	ScanIntervalNs    uint64
	ConvertIntervalNs uint64

	Stop StopCondition

	BufferSize int
	Ranges     []Range // per-channel range table; falls back to DefaultRanges
}

func (c StreamCommand) nChannels() int { return len(c.Channels) }

func (c StreamCommand) rangeFor(idx int) Range {
	table := c.Ranges
	if table == nil {
		table = DefaultRanges
	}
	if idx < 0 || idx >= len(table) {
		return Range{-10, 10}
	}
	return table[idx]
}

// Build translates sc into the low-level command dmabuf.Device.Test/Execute
// consume.
func Build(sc StreamCommand) dmabuf.Command {
	cmd := dmabuf.Command{
		Subdevice:  sc.Subdevice,
		Priority:   sc.Priority,
		Channels:   sc.Channels,
		ScanEndArg: sc.nChannels(),
		BufferSize: sc.BufferSize,
	}

	switch sc.StartTrigger {
	case StartExternal:
		cmd.StartSrc = dmabuf.TriggerExternal
		cmd.StartArg = sc.StartArg
	case StartFollow:
		cmd.StartSrc = dmabuf.TriggerFollow
	default:
		cmd.StartSrc = dmabuf.TriggerSoftware
	}

	switch sc.ScanTrigger {
	case ScanExternal:
		cmd.ScanBeginSrc = dmabuf.TriggerExternal
		cmd.ScanBeginArg = uint32(sc.ScanArg)
	default:
		cmd.ScanBeginSrc = dmabuf.TriggerTimer
		cmd.ScanBeginArg = uint32(sc.ScanIntervalNs)
	}

	// convert_src is always TIMER: NOW fails to converge on some hardware.
	cmd.ConvertSrc = dmabuf.ConvertTimer
	if sc.nChannels() <= 1 {
		cmd.ConvertArg = 0
	} else {
		cmd.ConvertArg = uint32(sc.ConvertIntervalNs)
	}

	switch sc.Stop.Kind {
	case StopCount:
		cmd.StopSrc = dmabuf.StopCount
		cmd.StopArg = uint32(sc.Stop.Count)
	case StopDuration:
		cmd.StopSrc = dmabuf.StopCount
		cmd.StopArg = durationToScans(sc.Stop.Duration, sc.ScanIntervalNs)
	default:
		cmd.StopSrc = dmabuf.StopNone
	}

	return cmd
}

func durationToScans(d time.Duration, scanIntervalNs uint64) uint32 {
	if scanIntervalNs == 0 {
		return 0
	}
	scans := float64(d.Nanoseconds()) / float64(scanIntervalNs)
	return uint32(scans + 0.5)
}

// Statistics reports the acquisition's current run-time state, per spec
// §4.3's Statistics bullet.
type Statistics struct {
	SamplesAcquired uint64
	Elapsed         time.Duration
	AchievedRate    float64 // samples per second
	BufferFillRatio float64
	OverflowCount   uint64
}

// Acquisition drives a dmabuf.Device through the build/test/execute/read/
// stop lifecycle.
type Acquisition struct {
	mu    sync.Mutex
	dev   dmabuf.Device
	state State

	cmd       StreamCommand
	built     dmabuf.Command
	startedAt time.Time

	samplesAcquired uint64
	overflowCount   uint64
	overflowLatched bool
}

// New returns an idle acquisition driving dev.
func New(dev dmabuf.Device) *Acquisition {
	return &Acquisition{dev: dev, state: Idle}
}

// State returns the acquisition's current lifecycle state.
func (a *Acquisition) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start builds sc, tests it to convergence (up to 20 passes), and executes
// it, moving Idle → Building → Armed → Running.
func (a *Acquisition) Start(sc StreamCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Idle {
		return daqerr.New(daqerr.State, "acquisition: Start called outside Idle state")
	}
	a.state = Building
	a.cmd = sc
	built := Build(sc)

	var lastCode int
	for pass := 0; pass < maxTestPasses; pass++ {
		lastCode = a.dev.Test(&built)
		if lastCode == 0 {
			break
		}
		if lastCode < 0 {
			a.state = Error
			return daqerr.New(daqerr.Hardware, "acquisition: device rejected command test").
				WithResponse(strconv.Itoa(lastCode))
		}
		// 1..5: driver adjusted parameters in place; retry with the
		// adjusted command.
	}
	if lastCode != 0 {
		a.state = Error
		return daqerr.New(daqerr.Hardware, "acquisition: command test did not converge after 20 passes").
			WithResponse(strconv.Itoa(lastCode))
	}

	a.state = Armed
	a.built = built

	if err := a.dev.Execute(&a.built); err != nil {
		a.state = Error
		return daqerr.Wrap(daqerr.Hardware, err, "acquisition: execute failed")
	}

	a.startedAt = time.Now()
	a.samplesAcquired = 0
	a.overflowCount = 0
	a.overflowLatched = false
	a.state = Running
	return nil
}

// Stop cancels the running acquisition and returns it to Idle, logging
// partial statistics.
func (a *Acquisition) Stop() error {
	a.mu.Lock()
	if a.state != Running {
		a.mu.Unlock()
		return nil
	}
	a.state = Draining
	a.mu.Unlock()

	err := a.dev.Cancel()

	a.mu.Lock()
	stats := a.statsLocked()
	a.state = Idle
	a.mu.Unlock()

	logging.Infof("acquisition: stopped, samples=%d elapsed=%s rate=%.1f fill=%.2f overflows=%d",
		stats.SamplesAcquired, stats.Elapsed, stats.AchievedRate, stats.BufferFillRatio, stats.OverflowCount)

	if err != nil {
		return daqerr.Wrap(daqerr.Hardware, err, "acquisition: cancel failed")
	}
	return nil
}

// ReadAvailable drains whatever whole scans are currently buffered,
// converting raw codes to volts. stopped is true
// when the acquisition is not Running (the caller should stop polling);
// samples is interleaved per scan and may be empty even while running (no
// data ready yet, not an error).
func (a *Acquisition) ReadAvailable() (samples []float64, stopped bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Running {
		return nil, true, nil
	}

	nChannels := a.cmd.nChannels()
	bytesPerSample := a.built.BytesPerSample()
	bytesPerScan := bytesPerSample * nChannels
	if bytesPerScan == 0 {
		return nil, false, nil
	}

	avail, err := a.dev.BytesAvailable()
	if err != nil {
		return nil, false, daqerr.Wrap(daqerr.Hardware, err, "acquisition: BytesAvailable failed")
	}
	a.updateFillLocked(avail)

	readBytes := (avail / bytesPerScan) * bytesPerScan
	if readBytes == 0 {
		return []float64{}, false, nil
	}

	raw := make([]byte, readBytes)
	n, rerr := a.dev.Read(raw)
	if rerr != nil {
		if dmabuf.IsEAGAIN(rerr) {
			return []float64{}, false, nil
		}
		return nil, false, daqerr.Wrap(daqerr.Hardware, rerr, "acquisition: read failed")
	}
	n = (n / bytesPerScan) * bytesPerScan
	if n == 0 {
		return []float64{}, false, nil
	}
	if err := a.dev.MarkConsumed(n); err != nil {
		return nil, false, daqerr.Wrap(daqerr.Hardware, err, "acquisition: MarkConsumed failed")
	}

	nSamples := n / bytesPerSample
	out := make([]float64, nSamples)
	for i := 0; i < nSamples; i++ {
		ch := a.cmd.Channels[i%nChannels]
		rng := a.cmd.rangeFor(ch.RangeIdx)
		var code uint64
		var fullScale uint64
		if bytesPerSample == 4 {
			code = uint64(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			fullScale = 1<<32 - 1
		} else {
			code = uint64(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			fullScale = 1<<16 - 1
		}
		out[i] = rng.Min + (float64(code)/float64(fullScale))*(rng.Max-rng.Min)
	}

	a.samplesAcquired += uint64(nSamples)
	return out, false, nil
}

// updateFillLocked recomputes overflow state from the current fill level,
// incrementing OverflowCount only on the false→true transition across the
// 90% threshold. a.mu must be held.
func (a *Acquisition) updateFillLocked(availBytes int) {
	total := a.dev.BufferSize()
	if total <= 0 {
		return
	}
	fill := float64(availBytes) / float64(total)
	over := fill > 0.9
	if over && !a.overflowLatched {
		a.overflowCount++
		logging.Warnf("acquisition: buffer overflow detected (fill=%.1f%%)", fill*100)
	}
	a.overflowLatched = over
}

// Stats returns the acquisition's current statistics.
func (a *Acquisition) Stats() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsLocked()
}

func (a *Acquisition) statsLocked() Statistics {
	var fill float64
	if total := a.dev.BufferSize(); total > 0 {
		if avail, err := a.dev.BytesAvailable(); err == nil {
			fill = float64(avail) / float64(total)
		}
	}
	elapsed := time.Duration(0)
	if !a.startedAt.IsZero() {
		elapsed = time.Since(a.startedAt)
	}
	rate := 0.0
	if elapsed > 0 {
		rate = float64(a.samplesAcquired) / elapsed.Seconds()
	}
	return Statistics{
		SamplesAcquired: a.samplesAcquired,
		Elapsed:         elapsed,
		AchievedRate:    rate,
		BufferFillRatio: fill,
		OverflowCount:   a.overflowCount,
	}
}
