// Package dmabuf models the kernel-side half of a comedi-class acquisition
// subdevice: the scatter-gather buffer a driver DMAs samples into and the
// narrow ioctl-shaped surface the acquisition command machine (§4.3) drives
// it through (build/test/execute/cancel, byte-availability query, and a
// direct read of the device file descriptor).
//
// There is no real kernel driver behind this module (no comedi character
// device exists in this environment); Device is the seam a real cgo/ioctl
// binding would implement, and SimDevice is a software model of the same
// contract used by acquisition's own tests, grounded on the reference's
// own practice of wrapping hardware behind a small Go-native handle type
// (acromag/ap235.AP235, mccdaq.DAC) rather than exposing cgo calls to
// callers directly.
package dmabuf

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// StopSrc selects how a streamed acquisition is told to stop. The driver's
// own NONE sentinel is distinct from COUNT-with-zero, which stops instantly;
// conflating the two is the single most common comedi integration bug.
type StopSrc int

const (
	// StopNone runs until cancelled: the driver's NONE sentinel.
	StopNone StopSrc = iota
	// StopCount stops after StopArg total scans.
	StopCount
)

// TriggerSrc selects a start or scan-begin trigger source.
type TriggerSrc int

const (
	TriggerTimer TriggerSrc = iota
	TriggerExternal
	TriggerSoftware
	TriggerFollow
)

// ConvertSrc selects the per-sample conversion clock. Comedi's NOW source
// fails to converge timing on some hardware, so the command builder never
// emits it; TIMER is the only convert source this module produces.
type ConvertSrc int

const (
	ConvertTimer ConvertSrc = iota
)

// Channel describes one channel of a scan.
type Channel struct {
	ID        int
	RangeIdx  int
	Aref      int
	BitsWide  int // 16 or 32; selects bytes-per-sample on read
}

// Command is the fully-populated low-level acquisition descriptor the
// Build step of the command machine produces, ready to hand to Test/Execute.
type Command struct {
	Subdevice int
	Priority  bool

	StartSrc TriggerSrc
	StartArg int // PFI pin when StartSrc == TriggerExternal, else 0

	ScanBeginSrc TriggerSrc
	ScanBeginArg uint32 // scan interval in ns for TriggerTimer

	ConvertSrc ConvertSrc
	ConvertArg uint32 // convert interval in ns; 0 for single channel

	ScanEndArg int // always n_channels

	StopSrc StopSrc
	StopArg uint32 // total scans when StopSrc == StopCount

	Channels   []Channel
	BufferSize int // requested kernel buffer size, bytes
}

// BytesPerSample returns 2 for 16-bit channels, 4 for 32-bit, based on the
// first channel's width (a command's channels share one subdevice width).
func (c Command) BytesPerSample() int {
	if len(c.Channels) > 0 && c.Channels[0].BitsWide == 32 {
		return 4
	}
	return 2
}

// Device is the narrow surface the acquisition command machine drives a
// comedi-class subdevice through.
type Device interface {
	// Test validates cmd without arming it, adjusting cmd's fields in place
	// when the driver snaps them to achievable values. Returns 0 if valid,
	// 1..5 if comedi adjusted parameters and the caller should retry with
	// the (now-adjusted) cmd, or a negative code on a hard error.
	Test(cmd *Command) int
	// Execute arms and starts cmd, transferring ownership of its parameter
	// buffer to the driver.
	Execute(cmd *Command) error
	// Cancel stops a running command.
	Cancel() error
	// BytesAvailable returns the number of unread bytes sitting in the
	// kernel buffer right now.
	BytesAvailable() (int, error)
	// Read reads up to len(p) bytes from the device file descriptor. A
	// kernel buffer with no data ready returns (0, syscall.EAGAIN); callers
	// treat that as "no data yet", not an error.
	Read(p []byte) (int, error)
	// MarkConsumed tells the driver n bytes were consumed from its buffer,
	// freeing that much room for further DMA.
	MarkConsumed(n int) error
	// BufferSize returns the total size in bytes of the kernel buffer.
	BufferSize() int
}

// IsEAGAIN reports whether err is the "no data ready" errno a non-blocking
// comedi read surfaces, so callers can fold it into an empty-result case
// instead of propagating it as an Io failure.
func IsEAGAIN(err error) bool {
	if err == nil {
		return false
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno == unix.EAGAIN
	}
	return err == unix.EAGAIN
}

// SimDevice is an in-memory model of Device, used in place of a real kernel
// driver: it holds a fixed-size byte ring the test harness fills via
// Produce, reproducing the Build/Test/Execute/Read/Cancel contract a real
// comedi subdevice exposes.
type SimDevice struct {
	bufSize int
	pending []byte // bytes DMA'd in but not yet consumed by Read

	TestResult   int  // canned Test() return value; 0 by default
	ExecuteErr   error
	CancelErr    error
	ReadErr      error // if set (and not nil), Read returns (0, ReadErr)
	cancelled    bool
}

// NewSimDevice returns a simulated device with a kernel buffer of bufSize
// bytes.
func NewSimDevice(bufSize int) *SimDevice {
	return &SimDevice{bufSize: bufSize}
}

func (d *SimDevice) Test(cmd *Command) int { return d.TestResult }

func (d *SimDevice) Execute(cmd *Command) error {
	d.cancelled = false
	return d.ExecuteErr
}

func (d *SimDevice) Cancel() error {
	d.cancelled = true
	return d.CancelErr
}

func (d *SimDevice) BytesAvailable() (int, error) {
	return len(d.pending), nil
}

func (d *SimDevice) Read(p []byte) (int, error) {
	if d.ReadErr != nil {
		return 0, d.ReadErr
	}
	if len(d.pending) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(p, d.pending)
	return n, nil
}

func (d *SimDevice) MarkConsumed(n int) error {
	if n > len(d.pending) {
		n = len(d.pending)
	}
	d.pending = d.pending[n:]
	return nil
}

func (d *SimDevice) BufferSize() int { return d.bufSize }

// Produce appends raw bytes to the simulated kernel buffer, as if DMA had
// just filled them in, truncating the oldest bytes if it would overflow
// BufferSize (mirroring a real ring buffer overrunning).
func (d *SimDevice) Produce(data []byte) {
	d.pending = append(d.pending, data...)
	if len(d.pending) > d.bufSize {
		d.pending = d.pending[len(d.pending)-d.bufSize:]
	}
}
