package measurement

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultCapacity is the default bounded channel capacity.
const DefaultCapacity = 1024

// Broadcast is a per-instrument typed measurement stream. Publishing is
// non-blocking; slow subscribers lose older entries (the oldest queued
// measurement is dropped to make room for the newest, so a stalled
// subscriber always sees the most recent data once it catches up). Drop
// counts are tracked at the broadcast layer, not per-subscriber, per spec
// §4.10.
type Broadcast struct {
	capacity int

	mu          sync.Mutex
	subscribers map[int]chan Measurement
	nextID      int
	dropped     uint64

	legacyLimiter *rate.Limiter
}

// SetLegacyRateLimit throttles LegacyScalarStream to at most eventsPerSec
// derived scalars per second (a burst of one), protecting a slow legacy
// aggregator from the fan-out a single Spectrum/Image publish can produce.
// This is a best-effort convenience on the derived stream only; the typed
// stream from Subscribe is never rate-limited. A non-positive eventsPerSec
// disables the limiter (the default).
func (b *Broadcast) SetLegacyRateLimit(eventsPerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventsPerSec <= 0 {
		b.legacyLimiter = nil
		return
	}
	b.legacyLimiter = rate.NewLimiter(rate.Limit(eventsPerSec), 1)
}

// NewBroadcast creates a broadcast with the given bounded capacity per
// subscriber channel. A capacity <= 0 uses DefaultCapacity.
func NewBroadcast(capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcast{
		capacity:    capacity,
		subscribers: make(map[int]chan Measurement),
	}
}

// Subscribe returns a channel of measurements and an unsubscribe function.
// The channel stays registered, and keeps receiving (dropping its oldest
// entries once full), until the returned function is called; dropping the
// receiver does not unsubscribe it.
func (b *Broadcast) Subscribe() (<-chan Measurement, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Measurement, b.capacity)
	b.subscribers[id] = ch
	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish is non-blocking: a subscriber whose channel is full has its
// oldest queued measurement evicted to make room, and the broadcast's
// dropped counter increments.
func (b *Broadcast) Publish(m Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- m:
		default:
			select {
			case <-ch:
				b.dropped++
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
	}
}

// Dropped returns the total number of measurements dropped across all
// subscribers since creation.
func (b *Broadcast) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscribeKind returns a channel carrying only measurements of the given
// kind, for subscribers that only care about one of scalar, spectrum, or
// image data.
func (b *Broadcast) SubscribeKind(kind Kind) (<-chan Measurement, func()) {
	raw, unsubscribe := b.Subscribe()
	filtered := make(chan Measurement, b.capacity)
	done := make(chan struct{})
	go func() {
		defer close(filtered)
		for {
			select {
			case m, ok := <-raw:
				if !ok {
					return
				}
				if m.MeasurementKind() == kind {
					select {
					case filtered <- m:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()
	return filtered, func() {
		unsubscribe()
		close(done)
	}
}

// LegacyScalarStream returns a best-effort derived stream of Scalar
// measurements for downstream aggregators that only understand scalars.
// Spectra expand into one scalar per bin named "{channel}_{i}"; images
// collapse into three scalars "{channel}_mean", "{channel}_min",
// "{channel}_max". Every derived scalar carries the source measurement's
// own timestamp rather than a recomputed one, avoiding the drift a
// re-stamped FFT bin would introduce downstream.
func (b *Broadcast) LegacyScalarStream() (<-chan Scalar, func()) {
	raw, unsubscribe := b.Subscribe()
	out := make(chan Scalar, b.capacity)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-raw:
				if !ok {
					return
				}
				for _, s := range expandLegacy(m) {
					b.mu.Lock()
					limiter := b.legacyLimiter
					b.mu.Unlock()
					if limiter != nil && !limiter.Allow() {
						continue
					}
					select {
					case out <- s:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		unsubscribe()
		close(done)
	}
}

func expandLegacy(m Measurement) []Scalar {
	switch v := m.(type) {
	case Scalar:
		return []Scalar{v}
	case Spectrum:
		out := make([]Scalar, len(v.Y))
		for i, y := range v.Y {
			out[i] = Scalar{
				Channel:   fmt.Sprintf("%s_%d", v.Channel, i),
				Value:     y,
				Unit:      v.YUnit,
				Timestamp: v.Timestamp,
			}
		}
		return out
	case Image:
		min, max := v.MinMax()
		return []Scalar{
			{Channel: v.Channel + "_mean", Value: v.Mean(), Unit: v.Unit, Timestamp: v.Timestamp},
			{Channel: v.Channel + "_min", Value: min, Unit: v.Unit, Timestamp: v.Timestamp},
			{Channel: v.Channel + "_max", Value: max, Unit: v.Unit, Timestamp: v.Timestamp},
		}
	default:
		return nil
	}
}
