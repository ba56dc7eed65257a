package stream

import (
	"encoding/binary"
	"testing"
	"time"

	"github.jpl.nasa.gov/daq/corefw/acquisition"
	"github.jpl.nasa.gov/daq/corefw/acquisition/dmabuf"
)

func testCommand() acquisition.StreamCommand {
	return acquisition.StreamCommand{
		Subdevice: 0,
		Channels: []dmabuf.Channel{
			{ID: 0, RangeIdx: 0, BitsWide: 16},
			{ID: 1, RangeIdx: 0, BitsWide: 16},
		},
		StartTrigger:   acquisition.StartSoftware,
		ScanTrigger:    acquisition.ScanInternalTimer,
		ScanIntervalNs: 1000,
		Stop:           acquisition.StopCondition{Kind: acquisition.StopContinuous},
		BufferSize:     4096,
	}
}

func put16Scans(nScans, nChannels int) []byte {
	buf := make([]byte, nScans*nChannels*2)
	for i := 0; i < nScans*nChannels; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(i))
	}
	return buf
}

func newTestStream(t *testing.T, batchSize int) (*ContinuousStream, *dmabuf.SimDevice) {
	t.Helper()
	dev := dmabuf.NewSimDevice(1 << 20)
	acq := acquisition.New(dev)
	s := New(acq, testCommand(), batchSize)
	return s, dev
}

func TestAddSinkRejectsDuplicateName(t *testing.T) {
	s, _ := newTestStream(t, 2)
	if _, err := s.AddSink("a", 2); err != nil {
		t.Fatalf("AddSink: %v", err)
	}
	if _, err := s.AddSink("a", 2); err == nil {
		t.Fatalf("expected error re-adding sink name 'a'")
	}
}

func TestStartDispatchesBatchesToAllSinks(t *testing.T) {
	s, dev := newTestStream(t, 2) // 2 scans/batch, 2 channels -> 4 samples/batch
	chA, err := s.AddSink("a", 2)
	if err != nil {
		t.Fatalf("AddSink a: %v", err)
	}
	chB, err := s.AddSink("b", 2)
	if err != nil {
		t.Fatalf("AddSink b: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	dev.Produce(put16Scans(2, 2))

	select {
	case batch := <-chA:
		if batch.NScans() != 2 {
			t.Fatalf("got %d scans, want 2", batch.NScans())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for batch on sink a")
	}
	select {
	case batch := <-chB:
		if batch.NScans() != 2 {
			t.Fatalf("got %d scans, want 2", batch.NScans())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for batch on sink b")
	}
}

func TestStopJoinsReaderAndReturnsAcquisitionToIdle(t *testing.T) {
	s, _ := newTestStream(t, 2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatalf("expected stream to report not running after Stop")
	}
	if s.acq.State() != acquisition.Idle {
		t.Fatalf("expected wrapped acquisition Idle after Stop, got %v", s.acq.State())
	}
}

func TestDropOnOverflowIncrementsSinkAndGlobalCounters(t *testing.T) {
	s, dev := newTestStream(t, 1) // 1 scan/batch, 2 channels -> 2 samples/batch
	cfg := SinkConfig{Name: "slow", QueueDepth: 1, BatchSize: 1, DropOnOverflow: true}
	ch, err := s.AddSinkWithConfig(cfg)
	if err != nil {
		t.Fatalf("AddSinkWithConfig: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Produce far more scans than the sink's 1-batch queue can hold, and
	// never drain ch, forcing drops.
	dev.Produce(put16Scans(50, 2))

	deadline := time.After(2 * time.Second)
	for {
		st := s.Stats()
		if st.SinkDrops["slow"] > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least one drop on sink 'slow', stats=%+v", st)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	_ = ch
}

func TestPauseResumeTogglesAcquisitionOnly(t *testing.T) {
	s, _ := newTestStream(t, 2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.acq.State() != acquisition.Idle {
		t.Fatalf("expected wrapped acquisition Idle after Pause, got %v", s.acq.State())
	}
	if !s.IsRunning() {
		t.Fatalf("expected stream to still report running after Pause")
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.acq.State() != acquisition.Running {
		t.Fatalf("expected wrapped acquisition Running after Resume, got %v", s.acq.State())
	}
}

func TestResumeWithoutStartErrors(t *testing.T) {
	s, _ := newTestStream(t, 2)
	if err := s.Resume(); err == nil {
		t.Fatalf("expected error resuming a stream that was never started")
	}
}
