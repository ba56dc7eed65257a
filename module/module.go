// Package module implements an experiment element's lifecycle: Idle →
// Initialized → Running → Paused ⇄ Running → Stopped, with exclusive
// ownership of assigned instrument handles while Running.
//
// State transitions are pause/resume/stop signals guarded by a mutex, the
// same shape as a small single-loop state machine.
package module

import (
	"sync"

	"github.jpl.nasa.gov/daq/corefw/capability"
	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

// State is one stage of a module's lifecycle.
type State int

const (
	Idle State = iota
	Initialized
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Module is a higher-level experiment element that owns zero or more
// instrument handles via capability bounds.
type Module struct {
	sync.Mutex
	Name        string
	state       State
	instruments map[string]interface{}
}

// New returns an idle module ready to accept instrument assignments.
func New(name string) *Module {
	return &Module{Name: name, state: Idle, instruments: make(map[string]interface{})}
}

// State returns the module's current lifecycle state.
func (m *Module) State() State {
	m.Lock()
	defer m.Unlock()
	return m.state
}

// assign binds inst to slot. Instruments cannot be reassigned while the
// module is Running, per its exclusive-ownership rule.
func assign[T any](m *Module, slot string, inst T) error {
	m.Lock()
	defer m.Unlock()
	if m.state == Running {
		return daqerr.New(daqerr.State, "cannot assign instrument "+slot+" while module is running")
	}
	m.instruments[slot] = inst
	return nil
}

// AssignCamera binds a capability.Camera to slot. Passing any value that
// does not implement capability.Camera is a compile error, not a runtime
// failure.
func (m *Module) AssignCamera(slot string, inst capability.Camera) error {
	return assign(m, slot, inst)
}

// AssignStage binds a capability.Stage to slot.
func (m *Module) AssignStage(slot string, inst capability.Stage) error {
	return assign(m, slot, inst)
}

// AssignMovable binds a capability.Movable to slot.
func (m *Module) AssignMovable(slot string, inst capability.Movable) error {
	return assign(m, slot, inst)
}

// AssignReadable binds a capability.Readable to slot.
func (m *Module) AssignReadable(slot string, inst capability.Readable) error {
	return assign(m, slot, inst)
}

// AssignTriggerable binds a capability.Triggerable to slot.
func (m *Module) AssignTriggerable(slot string, inst capability.Triggerable) error {
	return assign(m, slot, inst)
}

// AssignPowerMeter binds a capability.PowerMeter to slot.
func (m *Module) AssignPowerMeter(slot string, inst capability.PowerMeter) error {
	return assign(m, slot, inst)
}

// AssignLaser binds a capability.Laser to slot.
func (m *Module) AssignLaser(slot string, inst capability.Laser) error {
	return assign(m, slot, inst)
}

// AssignShutterControl binds a capability.ShutterControl to slot.
func (m *Module) AssignShutterControl(slot string, inst capability.ShutterControl) error {
	return assign(m, slot, inst)
}

// AssignWavelengthTunable binds a capability.WavelengthTunable to slot.
func (m *Module) AssignWavelengthTunable(slot string, inst capability.WavelengthTunable) error {
	return assign(m, slot, inst)
}

// Instrument returns the handle bound to slot, if any.
func (m *Module) Instrument(slot string) (interface{}, bool) {
	m.Lock()
	defer m.Unlock()
	inst, ok := m.instruments[slot]
	return inst, ok
}

// Initialize transitions Idle → Initialized.
func (m *Module) Initialize() error {
	return m.transition(Idle, Initialized)
}

// Start transitions Initialized → Running.
func (m *Module) Start() error {
	return m.transition(Initialized, Running)
}

// Pause transitions Running → Paused.
func (m *Module) Pause() error {
	return m.transition(Running, Paused)
}

// Resume transitions Paused → Running.
func (m *Module) Resume() error {
	return m.transition(Paused, Running)
}

// Stop transitions Running or Paused to Stopped, releasing every assigned
// instrument handle.
func (m *Module) Stop() error {
	m.Lock()
	defer m.Unlock()
	if m.state != Running && m.state != Paused {
		return daqerr.New(daqerr.State, "cannot stop module in state "+m.state.String())
	}
	m.state = Stopped
	m.instruments = make(map[string]interface{})
	return nil
}

func (m *Module) transition(from, to State) error {
	m.Lock()
	defer m.Unlock()
	if m.state != from {
		return daqerr.New(daqerr.State, "cannot transition from "+m.state.String()+" to "+to.String())
	}
	m.state = to
	return nil
}
