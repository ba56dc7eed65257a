package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/driver"
	"github.jpl.nasa.gov/daq/corefw/measurement"
	"github.jpl.nasa.gov/daq/corefw/module"
	"github.jpl.nasa.gov/daq/corefw/stream"
)

// Core wires one managed device/module pair to the HTTP control command
// enumeration: Shutdown, SetParameter, GetParameter,
// StartAcquisition, StopAcquisition, Capability, Execute. Stream and
// Measurements are optional: a device with no continuous acquisition or no
// published measurement stream leaves them nil and the corresponding
// routes are omitted.
type Core struct {
	Driver       *driver.Driver
	Module       *module.Module
	Stream       *stream.ContinuousStream
	Measurements *measurement.Broadcast

	latestMu  sync.Mutex
	latest    measurement.Measurement
	unsub     func()
	stopCache chan struct{}
}

// NewCore wires a Core and, if measurements is non-nil, starts a
// background subscriber caching the most recent published measurement so
// handleMeasurement never blocks or misses history taken before the first
// request arrives.
func NewCore(d *driver.Driver, m *module.Module, s *stream.ContinuousStream, measurements *measurement.Broadcast) *Core {
	c := &Core{Driver: d, Module: m, Stream: s, Measurements: measurements}
	if measurements == nil {
		return c
	}
	ch, unsubscribe := measurements.Subscribe()
	c.unsub = unsubscribe
	c.stopCache = make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.latestMu.Lock()
				c.latest = msg
				c.latestMu.Unlock()
			case <-c.stopCache:
				return
			}
		}
	}()
	return c
}

// Close stops the background measurement cache, if one was started.
func (c *Core) Close() {
	if c.stopCache != nil {
		close(c.stopCache)
		c.unsub()
	}
}

// RT builds the route table for this core, satisfying server.HTTPer.
func (c *Core) RT() RouteTable {
	rt := RouteTable{
		{Method: http.MethodPost, Path: "/shutdown"}:          c.handleShutdown,
		{Method: http.MethodPost, Path: "/parameter"}:          c.handleSetParameter,
		{Method: http.MethodGet, Path: "/parameter/{name}"}:    c.handleGetParameter,
		{Method: http.MethodGet, Path: "/stats"}:               c.handleStats,
		{Method: http.MethodPost, Path: "/capability/{trait}/{method}"}: c.handleCapability,
		{Method: http.MethodPost, Path: "/execute/{command}"}:  c.handleExecute,
		{Method: http.MethodPost, Path: "/module/initialize"}:  c.handleModuleTransition((*module.Module).Initialize),
		{Method: http.MethodPost, Path: "/module/start"}:       c.handleModuleTransition((*module.Module).Start),
		{Method: http.MethodPost, Path: "/module/pause"}:       c.handleModuleTransition((*module.Module).Pause),
		{Method: http.MethodPost, Path: "/module/resume"}:      c.handleModuleTransition((*module.Module).Resume),
		{Method: http.MethodPost, Path: "/module/stop"}:        c.handleModuleTransition((*module.Module).Stop),
	}
	if c.Stream != nil {
		rt[MethodPath{Method: http.MethodPost, Path: "/acquisition/start"}] = c.handleStartAcquisition
		rt[MethodPath{Method: http.MethodPost, Path: "/acquisition/stop"}] = c.handleStopAcquisition
	}
	if c.Measurements != nil {
		rt[MethodPath{Method: http.MethodGet, Path: "/measurement"}] = c.handleMeasurement
	}
	return rt
}

// handleModuleTransition adapts one of module.Module's lifecycle methods
// (Initialize, Start, Pause, Resume, Stop all share the "() error" shape)
// into an HTTP handler via a method expression, so each route doesn't need
// its own near-identical wrapper.
func (c *Core) handleModuleTransition(fn func(*module.Module) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.Module == nil {
			http.Error(w, "no module configured", http.StatusNotFound)
			return
		}
		if err := fn(c.Module); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleShutdown implements the Shutdown control command: it stops any
// running stream and module before replying.
func (c *Core) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if c.Stream != nil && c.Stream.IsRunning() {
		if err := c.Stream.Stop(); err != nil {
			writeError(w, err)
			return
		}
	}
	if c.Module != nil {
		state := c.Module.State()
		if state == module.Running || state == module.Paused {
			if err := c.Module.Stop(); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

type setParameterBody struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// handleSetParameter implements SetParameter{name, value}.
func (c *Core) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var body setParameterBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := c.Driver.SetParam(body.Name, body.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetParameter implements GetParameter{name}.
func (c *Core) handleGetParameter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, ok := c.Driver.GetParam(name)
	if !ok {
		http.Error(w, "unknown parameter "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"name": name, "value": v})
}

// handleStartAcquisition implements StartAcquisition.
func (c *Core) handleStartAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := c.Stream.Start(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStopAcquisition implements StopAcquisition.
func (c *Core) handleStopAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := c.Stream.Stop(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStats replies with every statistic available: for the stream
// if present (batches produced, samples dropped, per-sink drops, overflow
// events) and the acquisition it wraps (samples/scans acquired, overflow
// count, achieved rate, elapsed duration, buffer fill ratio).
func (c *Core) handleStats(w http.ResponseWriter, r *http.Request) {
	if c.Stream == nil {
		http.Error(w, "no stream configured", http.StatusNotFound)
		return
	}
	writeJSON(w, c.Stream.Stats())
}

type capabilityBody struct {
	Input *float64 `json:"input,omitempty"`
}

// handleCapability implements Capability{trait, method, input?}, dispatched
// through driver.Dispatch's declarative trait_mapping lookup.
func (c *Core) handleCapability(w http.ResponseWriter, r *http.Request) {
	trait := chi.URLParam(r, "trait")
	method := chi.URLParam(r, "method")
	var body capabilityBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	out, err := c.Driver.Dispatch(r.Context(), trait, method, body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]float64{"output": out})
}

type executeBody struct {
	Args map[string]interface{} `json:"args"`
}

// handleExecute implements Execute{command, args}, running one named
// command through driver.Transact (its transaction/retry surface).
func (c *Core) handleExecute(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	var body executeBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	result, err := c.Driver.Transact(command, body.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleMeasurement replies with the single most recent measurement
// published to the broadcast, or 204 No Content if none has arrived yet;
// it never blocks waiting for one.
func (c *Core) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	c.latestMu.Lock()
	m := c.latest
	c.latestMu.Unlock()
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, m)
}

// statusFor maps a daqerr.Kind to the HTTP status its control command
// failure should carry.
func statusFor(err error) int {
	switch {
	case daqerr.IsKind(err, daqerr.Config):
		return http.StatusBadRequest
	case daqerr.IsKind(err, daqerr.State):
		return http.StatusConflict
	case daqerr.IsKind(err, daqerr.Timeout):
		return http.StatusGatewayTimeout
	case daqerr.IsKind(err, daqerr.Hardware), daqerr.IsKind(err, daqerr.Device):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}
