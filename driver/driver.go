// Package driver implements the config-driven device runtime: the
// orchestrator that ties the textual/binary frame codecs, the conversion
// engine, the script sandbox, and the declarative device config together
// behind a transaction/retry/capability-dispatch surface.
//
// Built on comm.RemoteDevice/comm.Pool's connection and retry idiom
// (comm.Transact) and a command-name-keyed dispatch table, generalized to
// the declarative command/response/conversion tables of
// daqcfg.DeviceConfig.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.jpl.nasa.gov/daq/corefw/comm"
	"github.jpl.nasa.gov/daq/corefw/convert"
	"github.jpl.nasa.gov/daq/corefw/daqcfg"
	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/frame/textual"
	"github.jpl.nasa.gov/daq/corefw/logging"
	"github.jpl.nasa.gov/daq/corefw/script"
)

// Driver orchestrates one configured device over one shared port.
type Driver struct {
	cfg     *daqcfg.DeviceConfig
	port    *comm.RemoteDevice
	address string

	conversions map[string]*convert.Formula
	scripts     map[string]*script.Script
	responses   map[string]*textual.Response

	params   map[string]interface{}
	initDone bool
}

// New builds a Driver from cfg, compiling every conversion formula,
// response pattern, and script once (its "compile once" rule),
// and seeding the parameter table from each parameter's declared default.
func New(cfg *daqcfg.DeviceConfig, port *comm.RemoteDevice, address string) (*Driver, error) {
	d := &Driver{
		cfg:         cfg,
		port:        port,
		address:     address,
		conversions: make(map[string]*convert.Formula, len(cfg.Conversions)),
		scripts:     make(map[string]*script.Script, len(cfg.Scripts)),
		responses:   make(map[string]*textual.Response, len(cfg.Responses)),
		params:      make(map[string]interface{}, len(cfg.Parameters)),
	}
	for name, src := range cfg.Conversions {
		f, err := convert.Compile(src)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Config, err, "failed to compile conversion "+name)
		}
		d.conversions[name] = f
	}
	for name, sdef := range cfg.Scripts {
		s, err := script.Compile(sdef.Source, script.DefaultLimits())
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Config, err, "failed to compile script "+name)
		}
		d.scripts[name] = s
	}
	for name, rdef := range cfg.Responses {
		resp, err := compileResponse(rdef)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Config, err, "failed to compile response "+name)
		}
		d.responses[name] = resp
	}
	for name, pdef := range cfg.Parameters {
		d.params[name] = pdef.Default
	}
	return d, nil
}

func compileResponse(rdef daqcfg.ResponseDef) (*textual.Response, error) {
	fields := make(map[string]textual.Field, len(rdef.Fields))
	for name, f := range rdef.Fields {
		ft, err := fieldTypeFromString(f.Type)
		if err != nil {
			return nil, err
		}
		fields[name] = textual.Field{Type: ft, Signed: f.Signed}
	}
	return textual.NewResponse(rdef.Pattern, fields)
}

func fieldTypeFromString(s string) (textual.FieldType, error) {
	switch s {
	case "", "string":
		return textual.TypeString, nil
	case "int":
		return textual.TypeInt, nil
	case "uint":
		return textual.TypeUint, nil
	case "float":
		return textual.TypeFloat, nil
	case "bool":
		return textual.TypeBool, nil
	case "hex_u8":
		return textual.TypeHexU8, nil
	case "hex_u16":
		return textual.TypeHexU16, nil
	case "hex_u32":
		return textual.TypeHexU32, nil
	case "hex_u64":
		return textual.TypeHexU64, nil
	case "hex_i32":
		return textual.TypeHexI32, nil
	case "hex_i64":
		return textual.TypeHexI64, nil
	default:
		return 0, daqerr.New(daqerr.Config, "unknown response field type "+s)
	}
}

// ParamSnapshot returns a copy of the current device parameter table, so the
// caller holds a point-in-time snapshot that a later SetParam call cannot
// mutate out from under it.
func (d *Driver) ParamSnapshot() map[string]interface{} {
	cp := make(map[string]interface{}, len(d.params))
	for k, v := range d.params {
		cp[k] = v
	}
	return cp
}

// GetParam returns one parameter's current value from the live table.
func (d *Driver) GetParam(name string) (interface{}, bool) {
	v, ok := d.params[name]
	return v, ok
}

// SetParam validates value against the parameter's declared range or
// choices
// and, if it passes, stores it in the live parameter table used by
// subsequent Transact/script calls.
func (d *Driver) SetParam(name string, value interface{}) error {
	pdef, ok := d.cfg.Parameters[name]
	if !ok {
		return daqerr.New(daqerr.Config, "unknown parameter "+name)
	}
	if len(pdef.Range) == 2 {
		f, ok := toFloat(value)
		if !ok {
			return daqerr.New(daqerr.Config, "parameter "+name+" requires a numeric value")
		}
		if f < pdef.Range[0] || f > pdef.Range[1] {
			return daqerr.New(daqerr.Config, fmt.Sprintf("parameter %s value %v out of range [%v, %v]", name, f, pdef.Range[0], pdef.Range[1]))
		}
	}
	if len(pdef.Choices) > 0 {
		s, ok := value.(string)
		if !ok {
			return daqerr.New(daqerr.Config, "parameter "+name+" requires a string value")
		}
		found := false
		for _, c := range pdef.Choices {
			if c == s {
				found = true
				break
			}
		}
		if !found {
			return daqerr.New(daqerr.Config, "parameter "+name+" value "+s+" is not one of its declared choices")
		}
	}
	d.params[name] = value
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (d *Driver) convertContext(extra map[string]float64) convert.Context {
	ctx := make(convert.Context, len(d.params)+len(extra))
	for k, v := range d.params {
		if f, ok := toFloat(v); ok {
			ctx[k] = f
		}
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// Transact runs one named command against cfg.Commands, applying its
// retry policy (or none, if unset) and error-code classification.
// callerParams are resolved ahead of the device parameter table during
// textual interpolation, so a caller can override a stored parameter for a
// single call.
func (d *Driver) Transact(name string, callerParams map[string]interface{}) (map[string]interface{}, error) {
	cmdDef, ok := d.cfg.Commands[name]
	if !ok {
		return nil, daqerr.New(daqerr.Config, "unknown command "+name)
	}

	policy := cmdDef.RetryPolicy
	var fields map[string]interface{}
	attempts := 0

	op := func() error {
		attempts++
		text, err := d.transactOnce(cmdDef, callerParams)
		if err == nil {
			fields, err = d.classifyAndParse(cmdDef, text)
		}
		if err == nil {
			return nil
		}
		retriesSoFar := attempts - 1
		if policy == nil || retriesSoFar >= policy.MaxRetries || !isRetryable(err, policy) {
			return backoff.Permanent(err)
		}
		return err
	}

	if policy == nil {
		if err := op(); err != nil {
			return nil, unwrapPermanent(err)
		}
		return fields, nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(policy.InitialDelayMs) * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffMultiplier,
		MaxInterval:         time.Duration(policy.MaxDelayMs) * time.Millisecond,
		MaxElapsedTime:      0, // bounded by the MaxRetries check inside op, not wall-clock
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if err := backoff.Retry(op, b); err != nil {
		err = unwrapPermanent(err)
		if attempts > 1 {
			if e, ok := err.(*daqerr.Error); ok {
				return nil, e.WithRetries(attempts - 1)
			}
			return nil, daqerr.Wrap(daqerr.Transport, err, "command failed after retries").WithRetries(attempts - 1)
		}
		return nil, err
	}
	return fields, nil
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

func (d *Driver) transactOnce(cmdDef daqcfg.CommandDef, callerParams map[string]interface{}) (string, error) {
	paramsF := make(map[string]interface{}, len(callerParams))
	for k, v := range callerParams {
		paramsF[k] = v
	}
	sources := textual.Sources{Params: paramsF, Device: d.params, Address: d.address}
	cmdStr, err := textual.BuildCommand(cmdDef.Template, sources, d.cfg.Connection.TxTerminator)
	if err != nil {
		return "", err
	}

	opts := comm.DefaultTransactOptions()
	opts.ExpectsResponse = cmdDef.ExpectsResponse
	if cmdDef.TimeoutMs > 0 {
		opts.Timeout = time.Duration(cmdDef.TimeoutMs) * time.Millisecond
	} else if d.cfg.Connection.DefaultTimeoutMs > 0 {
		opts.Timeout = time.Duration(d.cfg.Connection.DefaultTimeoutMs) * time.Millisecond
	}

	raw, err := d.port.Transact([]byte(cmdStr), opts)
	if err != nil {
		return "", daqerr.Wrap(daqerr.Transport, err, "transaction failed").WithCommand(cmdDef.Template)
	}
	return strings.TrimSpace(string(raw)), nil
}

// classifyAndParse scans text for configured error codes (its
// "Error-code classification"), then parses the named response if the
// command declares one and no error code matched.
func (d *Driver) classifyAndParse(cmdDef daqcfg.CommandDef, text string) (map[string]interface{}, error) {
	for code, ec := range d.cfg.ErrorCodes {
		if strings.Contains(text, code) {
			return nil, daqerr.NewDevice(code, ec.Name, ec.Description, severityFromString(ec.Severity), ec.Recoverable).WithResponse(text)
		}
	}
	if !cmdDef.ExpectsResponse || cmdDef.ResponseName == "" {
		return nil, nil
	}
	resp, ok := d.responses[cmdDef.ResponseName]
	if !ok {
		return nil, daqerr.New(daqerr.Config, "unknown response "+cmdDef.ResponseName)
	}
	return resp.Parse(text)
}

func severityFromString(s string) daqerr.Severity {
	switch s {
	case "info":
		return daqerr.SeverityInfo
	case "warn":
		return daqerr.SeverityWarn
	case "fatal":
		return daqerr.SeverityFatal
	default:
		return daqerr.SeverityError
	}
}

// isRetryable implements its retry control flow: Parse and Config errors
// never retry; severity fatal never retries; a recoverable=false Device
// error never retries; explicit no_retry_on_errors/retry_on_errors lists
// override the default (transport errors and recoverable device errors
// retry by default).
func isRetryable(err error, policy *daqcfg.RetryPolicy) bool {
	var de *daqerr.Error
	if e, ok := err.(*daqerr.Error); ok {
		de = e
	}
	if de != nil && (de.Kind == daqerr.Parse || de.Kind == daqerr.Config) {
		return false
	}
	if de != nil && de.Kind == daqerr.Device {
		if de.Severity == daqerr.SeverityFatal {
			return false
		}
		if !de.Recoverable {
			return false
		}
	}

	errText := err.Error()
	for _, pattern := range policy.NoRetryOnErrors {
		if strings.Contains(errText, pattern) {
			return false
		}
	}
	if len(policy.RetryOnErrors) > 0 {
		for _, pattern := range policy.RetryOnErrors {
			if strings.Contains(errText, pattern) {
				return true
			}
		}
		return false
	}
	return true
}

// RunInitSequence runs cfg.InitSequence in order. It is a
// no-op on every call after the first succeeds (init runs at most once per
// connection).
func (d *Driver) RunInitSequence() error {
	if d.initDone {
		return nil
	}
	for _, step := range d.cfg.InitSequence {
		_, err := d.Transact(step.Command, step.Params)
		failed := err != nil
		if !failed && step.Expect != "" {
			// The expect substring is defined over the raw response text, not
			// a specific named field, so re-issue the same command and check
			// it directly rather than threading it through Transact's parsed
			// field map.
			raw, rerr := d.transactOnceTextOnly(step.Command, step.Params)
			if rerr == nil && !strings.Contains(raw, step.Expect) {
				failed = true
				err = daqerr.New(daqerr.Device, "init step response did not contain expected substring").WithCommand(step.Command)
			}
		}
		if failed {
			if step.Required {
				return daqerr.Wrap(daqerr.Config, err, "required init step failed: "+step.Command)
			}
			logging.Warnf("non-required init step %q failed: %v", step.Command, err)
		}
		if step.DelayMs > 0 {
			time.Sleep(time.Duration(step.DelayMs) * time.Millisecond)
		}
	}
	d.initDone = true
	return nil
}

// transactOnceTextOnly re-issues the same command as Transact for expect
// validation without re-running retry/classification, since the response
// has already round-tripped successfully once in this call.
func (d *Driver) transactOnceTextOnly(name string, params map[string]interface{}) (string, error) {
	cmdDef, ok := d.cfg.Commands[name]
	if !ok {
		return "", daqerr.New(daqerr.Config, "unknown command "+name)
	}
	return d.transactOnce(cmdDef, params)
}

// Dispatch implements its capability dispatch: resolve
// (trait, method) to either a script invocation or a command/conversion
// pair, returning the numeric result.
func (d *Driver) Dispatch(ctx context.Context, trait, method string, input *float64) (float64, error) {
	methods, ok := d.cfg.TraitMapping[trait]
	if !ok {
		return 0, daqerr.New(daqerr.Config, "unknown capability trait "+trait)
	}
	m, ok := methods[method]
	if !ok {
		return 0, daqerr.New(daqerr.Config, fmt.Sprintf("trait %q has no method %q", trait, method))
	}

	if m.Script != "" {
		s, ok := d.scripts[m.Script]
		if !ok {
			return 0, daqerr.New(daqerr.Config, "unknown script "+m.Script)
		}
		runCtx := ctx
		if m.TimeoutMs > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(m.TimeoutMs)*time.Millisecond)
			defer cancel()
		}
		result, err := s.Run(runCtx, script.Scope{Input: input, Address: d.address, Params: d.ParamSnapshot()})
		if err != nil {
			return 0, err
		}
		f, ok := result.AsF64()
		if !ok {
			return 0, daqerr.New(daqerr.Script, "script returned no numeric value")
		}
		return f, nil
	}

	callerParams := map[string]interface{}{}
	if m.InputConversion != "" && input != nil {
		formula, ok := d.conversions[m.InputConversion]
		if !ok {
			return 0, daqerr.New(daqerr.Config, "unknown conversion "+m.InputConversion)
		}
		val, err := formula.Eval(d.convertContext(map[string]float64{"input": *input}))
		if err != nil {
			return 0, daqerr.Wrap(daqerr.Parse, err, "input conversion failed")
		}
		callerParams[m.InputParam] = val
	} else if input != nil && m.InputParam != "" {
		callerParams[m.InputParam] = *input
	}

	fields, err := d.Transact(m.Command, callerParams)
	if err != nil {
		return 0, err
	}
	if m.OutputField == "" {
		return 0, nil
	}
	raw, ok := fields[m.OutputField]
	if !ok {
		return 0, daqerr.New(daqerr.Parse, "output field "+m.OutputField+" not present in response")
	}
	outVal, ok := toFloat(raw)
	if !ok {
		return 0, daqerr.New(daqerr.Parse, "output field "+m.OutputField+" is not numeric")
	}
	if m.OutputConversion == "" {
		return outVal, nil
	}
	formula, ok := d.conversions[m.OutputConversion]
	if !ok {
		return 0, daqerr.New(daqerr.Config, "unknown conversion "+m.OutputConversion)
	}
	extra := map[string]float64{}
	if m.FromParam != "" {
		extra[m.FromParam] = outVal
	} else {
		extra[m.OutputField] = outVal
	}
	return formula.Eval(d.convertContext(extra))
}

// PollUntil implements its polling methods: evaluate a success
// condition of the form "field == value" or "field != value" (value an
// integer or hex literal) after each poll_command transaction, sleeping
// poll_interval_ms between attempts, until it matches or timeout_ms
// elapses.
func (d *Driver) PollUntil(trait, method string) error {
	methods, ok := d.cfg.TraitMapping[trait]
	if !ok {
		return daqerr.New(daqerr.Config, "unknown capability trait "+trait)
	}
	m, ok := methods[method]
	if !ok {
		return daqerr.New(daqerr.Config, fmt.Sprintf("trait %q has no method %q", trait, method))
	}
	field, wantEq, want, err := parseSuccessCondition(m.SuccessCondition)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(m.TimeoutMs) * time.Millisecond)
	interval := time.Duration(m.PollIntervalMs) * time.Millisecond
	for {
		fields, err := d.Transact(m.PollCommand, nil)
		if err == nil {
			if got, ok := fields[field]; ok {
				gotI, _ := toFloat(got)
				match := gotI == want
				if !wantEq {
					match = !match
				}
				if match {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return daqerr.New(daqerr.Timeout, "poll condition not met before timeout")
		}
		time.Sleep(interval)
	}
}

func parseSuccessCondition(cond string) (field string, eq bool, value float64, err error) {
	var op string
	switch {
	case strings.Contains(cond, "=="):
		op = "=="
	case strings.Contains(cond, "!="):
		op = "!="
	default:
		return "", false, 0, daqerr.New(daqerr.Config, "malformed success_condition "+cond)
	}
	parts := strings.SplitN(cond, op, 2)
	if len(parts) != 2 {
		return "", false, 0, daqerr.New(daqerr.Config, "malformed success_condition "+cond)
	}
	field = strings.TrimSpace(parts[0])
	valText := strings.TrimSpace(parts[1])
	var v float64
	if strings.HasPrefix(valText, "0x") || strings.HasPrefix(valText, "0X") {
		u, perr := strconv.ParseUint(valText[2:], 16, 64)
		if perr != nil {
			return "", false, 0, daqerr.Wrap(daqerr.Config, perr, "invalid hex literal in success_condition")
		}
		v = float64(u)
	} else {
		f, perr := strconv.ParseFloat(valText, 64)
		if perr != nil {
			return "", false, 0, daqerr.Wrap(daqerr.Config, perr, "invalid numeric literal in success_condition")
		}
		v = f
	}
	return field, op == "==", v, nil
}
