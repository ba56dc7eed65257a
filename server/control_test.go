package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/daq/corefw/acquisition"
	"github.jpl.nasa.gov/daq/corefw/acquisition/dmabuf"
	"github.jpl.nasa.gov/daq/corefw/comm"
	"github.jpl.nasa.gov/daq/corefw/daqcfg"
	"github.jpl.nasa.gov/daq/corefw/driver"
	"github.jpl.nasa.gov/daq/corefw/measurement"
	"github.jpl.nasa.gov/daq/corefw/module"
	"github.jpl.nasa.gov/daq/corefw/stream"
)

// fakeConn is a no-op io.ReadWriteCloser: enough to build a Driver without a
// real serial port.
type fakeConn struct{ chunks chan []byte }

func newFakeConn() *fakeConn { return &fakeConn{chunks: make(chan []byte, 4)} }
func (f *fakeConn) Write(p []byte) (int, error) {
	go func() { f.chunks <- []byte("T=1") }()
	return len(p), nil
}
func (f *fakeConn) Read(p []byte) (int, error) {
	chunk, ok := <-f.chunks
	if !ok {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}
func (f *fakeConn) Close() error { return nil }

const testDeviceYAML = `
connection:
  transport: serial
  tx_terminator: "\r"
parameters:
  gain:
    default: 1.0
    range: [0.0, 10.0]
commands:
  read_temp:
    template: "RT?"
    expects_response: true
    response_name: temp_reading
responses:
  temp_reading:
    pattern: "^T=(?P<value>[0-9.]+)$"
    fields:
      value:
        type: float
`

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg, err := daqcfg.LoadBytes([]byte(testDeviceYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	rd := comm.NewRemoteDevice("fake", false, nil, nil)
	rd.Conn = newFakeConn()
	d, err := driver.New(cfg, &rd, "01")
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	m := module.New("test-module")

	sc := acquisition.StreamCommand{
		Subdevice: 0,
		Channels:  []dmabuf.Channel{{ID: 0, RangeIdx: 0, BitsWide: 16}},
		StartTrigger:   acquisition.StartSoftware,
		ScanTrigger:    acquisition.ScanInternalTimer,
		ScanIntervalNs: 1000,
		Stop:           acquisition.StopCondition{Kind: acquisition.StopContinuous},
		BufferSize:     1024,
	}
	acq := acquisition.New(dmabuf.NewSimDevice(4096))
	strm := stream.New(acq, sc, 10)

	mb := measurement.NewBroadcast(8)

	return NewCore(d, m, strm, mb)
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func newTestMux(c *Core) http.Handler {
	mux := chi.NewRouter()
	c.RT().Bind(mux)
	return mux
}

func TestSetAndGetParameterRoundTrips(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	w := doJSON(t, mux, http.MethodPost, "/parameter", setParameterBody{Name: "gain", Value: 5.0})
	if w.Code != http.StatusOK {
		t.Fatalf("set parameter: got %d body=%s", w.Code, w.Body.String())
	}

	w2 := doJSON(t, mux, http.MethodGet, "/parameter/gain", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("get parameter: got %d", w2.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["value"] != 5.0 {
		t.Fatalf("got value %v, want 5.0", resp["value"])
	}
}

func TestSetParameterRejectsOutOfRangeValue(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	w := doJSON(t, mux, http.MethodPost, "/parameter", setParameterBody{Name: "gain", Value: 99.0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400 for out-of-range parameter", w.Code)
	}
}

func TestStartStopAcquisitionViaHTTP(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	w := doJSON(t, mux, http.MethodPost, "/acquisition/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: got %d body=%s", w.Code, w.Body.String())
	}
	if !c.Stream.IsRunning() {
		t.Fatalf("expected stream running after /acquisition/start")
	}

	w2 := doJSON(t, mux, http.MethodGet, "/stats", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("stats: got %d", w2.Code)
	}

	w3 := doJSON(t, mux, http.MethodPost, "/acquisition/stop", nil)
	if w3.Code != http.StatusOK {
		t.Fatalf("stop: got %d", w3.Code)
	}
	if c.Stream.IsRunning() {
		t.Fatalf("expected stream stopped after /acquisition/stop")
	}
}

func TestShutdownStopsRunningModuleAndStream(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	if err := c.Module.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Module.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w := doJSON(t, mux, http.MethodPost, "/acquisition/start", nil); w.Code != http.StatusOK {
		t.Fatalf("acquisition start: got %d", w.Code)
	}

	w := doJSON(t, mux, http.MethodPost, "/shutdown", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("shutdown: got %d body=%s", w.Code, w.Body.String())
	}
	if c.Module.State() != module.Stopped {
		t.Fatalf("got module state %v, want Stopped", c.Module.State())
	}
	if c.Stream.IsRunning() {
		t.Fatalf("expected stream stopped after shutdown")
	}
}

func TestModuleLifecycleRoutes(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	if w := doJSON(t, mux, http.MethodPost, "/module/initialize", nil); w.Code != http.StatusOK {
		t.Fatalf("initialize: got %d", w.Code)
	}
	if w := doJSON(t, mux, http.MethodPost, "/module/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: got %d", w.Code)
	}
	if w := doJSON(t, mux, http.MethodPost, "/module/pause", nil); w.Code != http.StatusOK {
		t.Fatalf("pause: got %d", w.Code)
	}
	if w := doJSON(t, mux, http.MethodPost, "/module/resume", nil); w.Code != http.StatusOK {
		t.Fatalf("resume: got %d", w.Code)
	}
	// Invalid transition: cannot Initialize a Running module.
	if w := doJSON(t, mux, http.MethodPost, "/module/initialize", nil); w.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409 for invalid transition", w.Code)
	}
}

func TestHandleMeasurementReturnsLatestCachedValue(t *testing.T) {
	c := newTestCore(t)
	mux := newTestMux(c)

	w := doJSON(t, mux, http.MethodGet, "/measurement", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204 before any publish", w.Code)
	}

	c.Measurements.Publish(measurement.Scalar{Channel: "ch0", Value: 1.5, Timestamp: time.Now()})
	// Give the background cache goroutine a moment to observe the publish.
	deadline := time.After(time.Second)
	for {
		w = doJSON(t, mux, http.MethodGet, "/measurement", nil)
		if w.Code == http.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a cached measurement within deadline")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	c.Close()
}
