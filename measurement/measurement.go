// Package measurement defines the typed measurement model and
// its per-instrument broadcast fan-out.
package measurement

import (
	"fmt"
	"time"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

// Kind discriminates the Measurement variants.
type Kind int

const (
	KindScalar Kind = iota
	KindSpectrum
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSpectrum:
		return "spectrum"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Measurement is exactly one of Scalar, Spectrum, or Image.
type Measurement interface {
	MeasurementKind() Kind
	Chan() string
	Time() time.Time
}

// Scalar is a single named value.
type Scalar struct {
	Channel   string
	Value     float64
	Unit      string
	Timestamp time.Time
}

func (s Scalar) MeasurementKind() Kind { return KindScalar }
func (s Scalar) Chan() string          { return s.Channel }
func (s Scalar) Time() time.Time       { return s.Timestamp }

// Spectrum pairs x and y axis values; |X| must equal |Y|.
type Spectrum struct {
	Channel   string
	X, Y      []float64
	XUnit     string
	YUnit     string
	Timestamp time.Time
	Metadata  map[string]string
}

func (s Spectrum) MeasurementKind() Kind { return KindSpectrum }
func (s Spectrum) Chan() string          { return s.Channel }
func (s Spectrum) Time() time.Time       { return s.Timestamp }

// NewSpectrum validates |x| == |y| before constructing the value.
func NewSpectrum(channel string, x, y []float64, xUnit, yUnit string, ts time.Time, meta map[string]string) (Spectrum, error) {
	if len(x) != len(y) {
		return Spectrum{}, daqerr.New(daqerr.Config, fmt.Sprintf("spectrum x/y length mismatch: %d != %d", len(x), len(y)))
	}
	return Spectrum{Channel: channel, X: x, Y: y, XUnit: xUnit, YUnit: yUnit, Timestamp: ts, Metadata: meta}, nil
}

// Image carries a lazily-viewed pixel buffer; |Pixels| must equal Width*Height.
type Image struct {
	Channel   string
	Width     int
	Height    int
	Pixels    []float64
	Unit      string
	Timestamp time.Time
	Metadata  map[string]string
}

func (im Image) MeasurementKind() Kind { return KindImage }
func (im Image) Chan() string          { return im.Channel }
func (im Image) Time() time.Time       { return im.Timestamp }

// NewImage validates |pixels| == width*height before constructing the value.
func NewImage(channel string, width, height int, pixels []float64, unit string, ts time.Time, meta map[string]string) (Image, error) {
	if len(pixels) != width*height {
		return Image{}, daqerr.New(daqerr.Config, fmt.Sprintf("image pixel count mismatch: %d != %d*%d", len(pixels), width, height))
	}
	return Image{Channel: channel, Width: width, Height: height, Pixels: pixels, Unit: unit, Timestamp: ts, Metadata: meta}, nil
}

// Mean returns the arithmetic mean of the image's pixels.
func (im Image) Mean() float64 {
	if len(im.Pixels) == 0 {
		return 0
	}
	var sum float64
	for _, p := range im.Pixels {
		sum += p
	}
	return sum / float64(len(im.Pixels))
}

// MinMax returns the minimum and maximum pixel values.
func (im Image) MinMax() (min, max float64) {
	if len(im.Pixels) == 0 {
		return 0, 0
	}
	min, max = im.Pixels[0], im.Pixels[0]
	for _, p := range im.Pixels[1:] {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	return min, max
}
