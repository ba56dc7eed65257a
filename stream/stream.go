// Package stream implements the continuous multi-sink fan-out of spec
// §4.4: a reader goroutine drains an acquisition.Acquisition, batches
// samples, and dispatches each batch (one shared Data slice) to every
// registered sink. A drop-on-overflow sink never blocks the reader; a sink
// configured with DropOnOverflow false blocks it until that sink has room.
//
// Grounded exactly on original_source's
// crates/daq-driver-comedi/src/continuous.rs: sink registration rejects
// duplicate names, the reader sleeps 100µs on an empty poll, overflow is
// counted on the false→true fill-ratio transition only, pause/resume only
// toggle the wrapped acquisition (never the reader), and stop joins the
// reader. Stop waits for the reader without a time bound.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.jpl.nasa.gov/daq/corefw/acquisition"
	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/logging"
)

// emptyPollDelay is how long the reader sleeps after an empty poll, to avoid
// busy-looping while waiting for the acquisition buffer to fill.
const emptyPollDelay = 100 * time.Microsecond

// Batch is a block of interleaved samples handed to every sink at once.
type Batch struct {
	Data           []float64
	NChannels      int
	Timestamp      time.Time
	Sequence       uint64
	OverflowBefore bool
}

// NScans returns the number of complete scans in the batch.
func (b Batch) NScans() int {
	if b.NChannels == 0 {
		return 0
	}
	return len(b.Data) / b.NChannels
}

// Deinterleave reshapes the batch into one slice per channel.
func (b Batch) Deinterleave() [][]float64 {
	out := make([][]float64, b.NChannels)
	for c := range out {
		out[c] = make([]float64, 0, b.NScans())
	}
	for i, v := range b.Data {
		c := i % b.NChannels
		out[c] = append(out[c], v)
	}
	return out
}

// SinkConfig configures one registered output sink.
type SinkConfig struct {
	Name           string
	QueueDepth     int  // bounded queue depth, in batches
	BatchSize      int  // recorded and logged only; every sink gets the stream's batch size
	DropOnOverflow bool // false blocks the reader instead of dropping
}

// sink is a registered consumer: a bounded channel plus its own drop
// counter.
type sink struct {
	config SinkConfig
	ch     chan Batch
	drops  uint64 // accessed only via atomic
}

// Stats reports the stream's current counters, embedding the wrapped
// acquisition's own statistics.
type Stats struct {
	Acquisition      acquisition.Statistics
	BatchesProduced  uint64
	SamplesDropped   uint64
	OverflowEvents   uint64
	SinkDrops        map[string]uint64
	Backpressure     float64 // left at 0; see DESIGN.md open question
}

// ContinuousStream wraps an acquisition.Acquisition with a reader worker
// and named sinks.
type ContinuousStream struct {
	acq       *acquisition.Acquisition
	cmd       acquisition.StreamCommand
	nChannels int
	batchSize int

	mu    sync.RWMutex
	sinks map[string]*sink

	running   bool
	readerWg  sync.WaitGroup
	stopCh    chan struct{}

	sequence        uint64
	overflowEvents  uint64
	batchesProduced uint64
	samplesDropped  uint64
	statsMu         sync.Mutex
}

// New returns a continuous stream wrapping acq, which will be driven with
// cmd each time Start is called. batchSize is the default batch size in
// scans dispatched to every sink.
func New(acq *acquisition.Acquisition, cmd acquisition.StreamCommand, batchSize int) *ContinuousStream {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ContinuousStream{
		acq:       acq,
		cmd:       cmd,
		nChannels: len(cmd.Channels),
		batchSize: batchSize,
		sinks:     make(map[string]*sink),
	}
}

// AddSink registers name with the default queue depth (100 batches) and
// drop-on-overflow policy, returning the channel batches arrive on.
func (s *ContinuousStream) AddSink(name string, batchSize int) (<-chan Batch, error) {
	return s.AddSinkWithConfig(SinkConfig{
		Name:           name,
		QueueDepth:     100,
		BatchSize:      batchSize,
		DropOnOverflow: true,
	})
}

// AddSinkWithConfig registers a sink with full configuration.
func (s *ContinuousStream) AddSinkWithConfig(cfg SinkConfig) (<-chan Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sinks[cfg.Name]; exists {
		return nil, daqerr.New(daqerr.Config, "stream: sink '"+cfg.Name+"' already exists")
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 100
	}
	sk := &sink{config: cfg, ch: make(chan Batch, depth)}
	s.sinks[cfg.Name] = sk
	logging.Infof("stream: added sink %s (queue=%d batch=%d)", cfg.Name, depth, cfg.BatchSize)
	return sk.ch, nil
}

// RemoveSink unregisters name, closing its channel. Reports whether a sink
// by that name existed.
func (s *ContinuousStream) RemoveSink(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.sinks[name]
	if !ok {
		return false
	}
	delete(s.sinks, name)
	close(sk.ch)
	return true
}

// SinkNames returns the names of every currently registered sink.
func (s *ContinuousStream) SinkNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sinks))
	for name := range s.sinks {
		names = append(names, name)
	}
	return names
}

// IsRunning reports whether the stream is currently acquiring.
func (s *ContinuousStream) IsRunning() bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.running
}

// Start arms the wrapped acquisition and spawns the reader goroutine.
func (s *ContinuousStream) Start() error {
	s.statsMu.Lock()
	if s.running {
		s.statsMu.Unlock()
		return daqerr.New(daqerr.State, "stream: already running")
	}
	s.statsMu.Unlock()

	if err := s.acq.Start(s.cmd); err != nil {
		return err
	}

	s.statsMu.Lock()
	s.running = true
	s.sequence = 0
	s.overflowEvents = 0
	s.batchesProduced = 0
	s.samplesDropped = 0
	s.statsMu.Unlock()

	s.stopCh = make(chan struct{})
	s.readerWg.Add(1)
	go s.readerLoop(s.stopCh)

	logging.Infof("stream: started continuous streaming")
	return nil
}

// readerLoop polls the acquisition, batches samples, and dispatches them
// to every sink.
func (s *ContinuousStream) readerLoop(stopCh chan struct{}) {
	defer s.readerWg.Done()

	staging := make([]float64, 0, s.batchSize*s.nChannels)
	lastOverflow := false

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		samples, stopped, err := s.acq.ReadAvailable()
		if stopped {
			return
		}
		if err != nil {
			logging.Errorf("stream: read error: %v", err)
			return
		}
		if len(samples) == 0 {
			time.Sleep(emptyPollDelay)
			continue
		}

		staging = append(staging, samples...)

		fill := s.acq.Stats().BufferFillRatio
		overflow := fill > 0.9
		if overflow && !lastOverflow {
			s.statsMu.Lock()
			s.overflowEvents++
			s.statsMu.Unlock()
		}
		lastOverflow = overflow

		batchSamples := s.batchSize * s.nChannels
		for batchSamples > 0 && len(staging) >= batchSamples {
			data := make([]float64, batchSamples)
			copy(data, staging[:batchSamples])
			staging = staging[batchSamples:]

			s.statsMu.Lock()
			seq := s.sequence
			s.sequence++
			s.statsMu.Unlock()

			batch := Batch{
				Data:           data,
				NChannels:      s.nChannels,
				Timestamp:      time.Now(),
				Sequence:       seq,
				OverflowBefore: overflow,
			}
			s.dispatch(batch)

			s.statsMu.Lock()
			s.batchesProduced++
			s.statsMu.Unlock()
		}
	}
}

// dispatch sends batch to every sink. For a drop-on-overflow sink a full
// queue increments that sink's drop counter (and the stream-wide
// dropped-sample counter) instead of blocking; any other sink blocks the
// reader until its queue has room.
func (s *ContinuousStream) dispatch(batch Batch) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, sk := range s.sinks {
		if sk.config.DropOnOverflow {
			select {
			case sk.ch <- batch:
			default:
				atomic.AddUint64(&sk.drops, 1)
				s.statsMu.Lock()
				s.samplesDropped += uint64(len(batch.Data))
				s.statsMu.Unlock()
				logging.Warnf("stream: dropped batch for sink %s (queue full)", name)
			}
		} else {
			sk.ch <- batch
		}
	}
}

// Stop signals the reader to exit, cancels the wrapped acquisition, and
// waits for the reader to finish.
func (s *ContinuousStream) Stop() error {
	s.statsMu.Lock()
	if !s.running {
		s.statsMu.Unlock()
		return nil
	}
	s.running = false
	s.statsMu.Unlock()

	close(s.stopCh)
	acqErr := s.acq.Stop()
	s.readerWg.Wait()

	st := s.Stats()
	logging.Infof("stream: stopped (samples=%d batches=%d drops=%d overflows=%d)",
		st.Acquisition.SamplesAcquired, st.BatchesProduced, st.SamplesDropped, st.OverflowEvents)

	return acqErr
}

// Pause stops the wrapped acquisition without touching the reader, which
// keeps polling and harmlessly observing no data.
func (s *ContinuousStream) Pause() error {
	if !s.IsRunning() {
		return nil
	}
	return s.acq.Stop()
}

// Resume restarts the wrapped acquisition after Pause.
func (s *ContinuousStream) Resume() error {
	if !s.IsRunning() {
		return daqerr.New(daqerr.State, "stream: not started")
	}
	return s.acq.Start(s.cmd)
}

// Stats returns the stream's current statistics.
func (s *ContinuousStream) Stats() Stats {
	s.mu.RLock()
	sinkDrops := make(map[string]uint64, len(s.sinks))
	for name, sk := range s.sinks {
		sinkDrops[name] = atomic.LoadUint64(&sk.drops)
	}
	s.mu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		Acquisition:     s.acq.Stats(),
		BatchesProduced: s.batchesProduced,
		SamplesDropped:  s.samplesDropped,
		OverflowEvents:  s.overflowEvents,
		SinkDrops:       sinkDrops,
		Backpressure:    0,
	}
}
