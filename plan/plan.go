// Package plan implements the Plan Executor primitives: a
// plan is a lazy sequence of control messages emitted over a channel, with
// three ready-to-use shapes (time series, 1D scan, 2D grid scan) and
// resumability via a current_step cursor.
//
// Grounded directly on original_source's src/experiment/primitives.rs,
// translated from an async Stream of Result<Message, Error> into a Go
// channel of Message fed by a goroutine, matching the producer/consumer
// idiom already used by measurement.Broadcast's subscriber channels and
// stream's reader loop.
package plan

import (
	"fmt"
	"time"
)

// Kind identifies the concrete type of a Message.
type Kind int

const (
	KindBeginRun Kind = iota
	KindSet
	KindTrigger
	KindRead
	KindSleep
	KindCheckpoint
	KindLog
	KindEndRun
)

// Message is one control message emitted by a Plan.
type Message interface {
	Kind() Kind
}

// BeginRun brackets the start of a run with descriptive metadata.
type BeginRun struct{ Metadata map[string]string }

func (BeginRun) Kind() Kind { return KindBeginRun }

// Set commands target's param to value.
type Set struct{ Target, Param, Value string }

func (Set) Kind() Kind { return KindSet }

// Trigger arms module to take a reading.
type Trigger struct{ Module string }

func (Trigger) Kind() Kind { return KindTrigger }

// Read retrieves module's last triggered reading.
type Read struct{ Module string }

func (Read) Kind() Kind { return KindRead }

// Sleep pauses plan emission for Duration before the next message.
type Sleep struct{ Duration time.Duration }

func (Sleep) Kind() Kind { return KindSleep }

// Checkpoint marks a point plan execution can be resumed from. Label is
// empty when the plan does not name one.
type Checkpoint struct{ Label string }

func (Checkpoint) Kind() Kind { return KindCheckpoint }

// LogLevel is the severity of a Log message.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogWarn
	LogError
)

// Log carries a free-form progress message at a given severity.
type Log struct {
	Level   LogLevel
	Message string
}

func (Log) Kind() Kind { return KindLog }

// EndRun brackets the end of a run.
type EndRun struct{}

func (EndRun) Kind() Kind { return KindEndRun }

// Plan is a resumable, lazily-emitted sequence of control messages.
type Plan interface {
	// Execute begins emitting messages on the returned channel, starting
	// from CurrentStep, and closes the channel once the plan completes.
	Execute() <-chan Message
	// CurrentStep returns the step the plan will resume from if re-executed.
	CurrentStep() int
	// SetCurrentStep restores a previously checkpointed step, so a fresh
	// BeginRun is only emitted when it is 0.
	SetCurrentStep(step int)
	// Metadata returns a short (name, description) pair describing the plan.
	Metadata() (name, description string)
}

// TimeSeriesPlan collects data from a module at regular intervals for a
// fixed duration, checkpointing every 100 steps.
type TimeSeriesPlan struct {
	ModuleID    string
	Duration    time.Duration
	Interval    time.Duration
	currentStep int
}

// NewTimeSeriesPlan returns a plan sampling Module every Interval for
// Duration.
func NewTimeSeriesPlan(module string, duration, interval time.Duration) *TimeSeriesPlan {
	return &TimeSeriesPlan{ModuleID: module, Duration: duration, Interval: interval}
}

// TotalSteps returns the number of samples the plan will take.
func (p *TimeSeriesPlan) TotalSteps() int {
	if p.Interval <= 0 {
		return 0
	}
	steps := float64(p.Duration) / float64(p.Interval)
	n := int(steps)
	if float64(n) < steps {
		n++
	}
	return n
}

func (p *TimeSeriesPlan) CurrentStep() int        { return p.currentStep }
func (p *TimeSeriesPlan) SetCurrentStep(step int)  { p.currentStep = step }

func (p *TimeSeriesPlan) Metadata() (string, string) {
	return fmt.Sprintf("Time Series: %s", p.ModuleID),
		fmt.Sprintf("%d samples @ %s interval", p.TotalSteps(), p.Interval)
}

// Execute emits BeginRun/Log/Trigger/Read/Sleep/Checkpoint/EndRun per spec
// §4.13's time series primitive.
func (p *TimeSeriesPlan) Execute() <-chan Message {
	out := make(chan Message)
	total := p.TotalSteps()
	startStep := p.currentStep
	meta := map[string]string{
		"experiment_type": "time_series",
		"module":          p.ModuleID,
		"total_steps":     fmt.Sprintf("%d", total),
		"interval":        fmt.Sprintf("%.2fs", p.Interval.Seconds()),
	}

	go func() {
		defer close(out)
		for step := startStep; step < total; step++ {
			if step == 0 {
				out <- BeginRun{Metadata: meta}
			}
			if step%10 == 0 {
				out <- Log{Level: LogInfo, Message: fmt.Sprintf("Time series: step %d/%d", step+1, total)}
			}
			out <- Trigger{Module: p.ModuleID}
			out <- Read{Module: p.ModuleID}
			if step < total-1 {
				out <- Sleep{Duration: p.Interval}
			}
			if (step+1)%100 == 0 {
				out <- Checkpoint{Label: fmt.Sprintf("step_%d", step+1)}
			}
			if step == total-1 {
				out <- EndRun{}
			}
			p.currentStep = step + 1
		}
	}()
	return out
}

// ScanPlan sweeps a single parameter across [Start, End] over NumPoints
// steps, checkpointing every 10 steps.
type ScanPlan struct {
	ActuatorID  string
	Parameter   string
	Start, End  float64
	NumPoints   int
	DetectorID  string
	Settling    time.Duration
	currentStep int
}

// NewScanPlan returns a 1D scan plan with a default 0.1s settling
// delay.
func NewScanPlan(actuator, parameter string, start, end float64, numPoints int, detector string) *ScanPlan {
	return &ScanPlan{
		ActuatorID: actuator, Parameter: parameter, Start: start, End: end,
		NumPoints: numPoints, DetectorID: detector, Settling: 100 * time.Millisecond,
	}
}

func (p *ScanPlan) valueAtStep(step int) float64 {
	denom := p.NumPoints - 1
	if denom < 1 {
		denom = 1
	}
	fraction := float64(step) / float64(denom)
	return p.Start + fraction*(p.End-p.Start)
}

func (p *ScanPlan) CurrentStep() int       { return p.currentStep }
func (p *ScanPlan) SetCurrentStep(step int) { p.currentStep = step }

func (p *ScanPlan) Metadata() (string, string) {
	return fmt.Sprintf("1D Scan: %s.%s", p.ActuatorID, p.Parameter),
		fmt.Sprintf("%d points from %.2f to %.2f", p.NumPoints, p.Start, p.End)
}

// Execute emits BeginRun/Set/Log/Sleep/Trigger/Read/Checkpoint/EndRun
// events for a 1D scan.
func (p *ScanPlan) Execute() <-chan Message {
	out := make(chan Message)
	startStep := p.currentStep
	meta := map[string]string{
		"experiment_type": "scan",
		"actuator":        p.ActuatorID,
		"parameter":       p.Parameter,
		"start":           fmt.Sprintf("%v", p.Start),
		"end":             fmt.Sprintf("%v", p.End),
		"num_points":      fmt.Sprintf("%d", p.NumPoints),
	}

	go func() {
		defer close(out)
		for step := startStep; step < p.NumPoints; step++ {
			value := p.valueAtStep(step)
			if step == 0 {
				out <- BeginRun{Metadata: meta}
			}
			out <- Set{Target: p.ActuatorID, Param: p.Parameter, Value: fmt.Sprintf("%v", value)}
			out <- Log{Level: LogInfo, Message: fmt.Sprintf("Scan: step %d/%d, %s = %.3f", step+1, p.NumPoints, p.Parameter, value)}
			out <- Sleep{Duration: p.Settling}
			out <- Trigger{Module: p.DetectorID}
			out <- Read{Module: p.DetectorID}
			if (step+1)%10 == 0 {
				out <- Checkpoint{Label: fmt.Sprintf("step_%d", step+1)}
			}
			if step == p.NumPoints-1 {
				out <- EndRun{}
			}
			p.currentStep = step + 1
		}
	}()
	return out
}

// GridScanPlan sweeps Param1 (outer loop) × Param2 (inner loop) in a grid,
// checkpointing at each completed row.
type GridScanPlan struct {
	ActuatorID          string
	Param1              string
	Start1, End1        float64
	Num1                int
	Param2              string
	Start2, End2        float64
	Num2                int
	DetectorID          string
	Settling            time.Duration
	currentStep         int
}

// NewGridScanPlan returns a 2D grid scan plan with a default 0.1s
// settling delay.
func NewGridScanPlan(actuator, param1 string, start1, end1 float64, num1 int,
	param2 string, start2, end2 float64, num2 int, detector string) *GridScanPlan {
	return &GridScanPlan{
		ActuatorID: actuator,
		Param1:     param1, Start1: start1, End1: end1, Num1: num1,
		Param2: param2, Start2: start2, End2: end2, Num2: num2,
		DetectorID: detector, Settling: 100 * time.Millisecond,
	}
}

// TotalPoints returns Num1 * Num2.
func (p *GridScanPlan) TotalPoints() int { return p.Num1 * p.Num2 }

func (p *GridScanPlan) CurrentStep() int       { return p.currentStep }
func (p *GridScanPlan) SetCurrentStep(step int) { p.currentStep = step }

func (p *GridScanPlan) Metadata() (string, string) {
	return fmt.Sprintf("2D Grid Scan: %s.%s x %s", p.ActuatorID, p.Param1, p.Param2),
		fmt.Sprintf("%d x %d = %d points", p.Num1, p.Num2, p.TotalPoints())
}

func gridValue(start, end float64, i, n int) float64 {
	denom := n - 1
	if denom < 1 {
		denom = 1
	}
	return start + (float64(i)/float64(denom))*(end-start)
}

// Execute emits BeginRun/Set×2/Log/Sleep/Trigger/Read/Checkpoint/EndRun
// events for a 2D grid scan, with a linear step index unpacked to (row,
// col) grid coordinates.
func (p *GridScanPlan) Execute() <-chan Message {
	out := make(chan Message)
	total := p.TotalPoints()
	startStep := p.currentStep
	meta := map[string]string{
		"experiment_type": "grid_scan",
		"actuator":        p.ActuatorID,
		"param1":          p.Param1,
		"param2":          p.Param2,
		"total_points":    fmt.Sprintf("%d", total),
	}

	go func() {
		defer close(out)
		for step := startStep; step < total; step++ {
			row := step / p.Num2
			col := step % p.Num2
			value1 := gridValue(p.Start1, p.End1, row, p.Num1)
			value2 := gridValue(p.Start2, p.End2, col, p.Num2)

			if step == 0 {
				out <- BeginRun{Metadata: meta}
			}
			out <- Set{Target: p.ActuatorID, Param: p.Param1, Value: fmt.Sprintf("%v", value1)}
			out <- Set{Target: p.ActuatorID, Param: p.Param2, Value: fmt.Sprintf("%v", value2)}
			out <- Log{Level: LogInfo, Message: fmt.Sprintf("Grid scan: point %d/%d (%d, %d)", step+1, total, row, col)}
			out <- Sleep{Duration: p.Settling}
			out <- Trigger{Module: p.DetectorID}
			out <- Read{Module: p.DetectorID}
			if (step+1)%p.Num2 == 0 {
				out <- Checkpoint{Label: fmt.Sprintf("row_%d", row+1)}
			}
			if step == total-1 {
				out <- EndRun{}
			}
			p.currentStep = step + 1
		}
	}()
	return out
}
