// Package daqcfg defines the declarative device configuration file format:
// commands, responses, conversions, scripts, and parameters for one
// instrument, loaded with koanf layered over a YAML file and unmarshaled
// into typed structs.
package daqcfg

import (
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	yamlv2 "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

// Metadata is the [metadata] section.
type Metadata struct {
	Name         string `koanf:"name"`
	Manufacturer string `koanf:"manufacturer"`
	Version      string `koanf:"version"`
}

// Connection is the [connection] section.
type Connection struct {
	Transport        string `koanf:"transport"` // "serial" | "tcp"
	Port             string `koanf:"port"`
	Baud             int    `koanf:"baud"`
	Parity           string `koanf:"parity"`
	StopBits         int    `koanf:"stop_bits"`
	TxTerminator     string `koanf:"tx_terminator"`
	RxTerminator     string `koanf:"rx_terminator"`
	DefaultTimeoutMs int    `koanf:"default_timeout_ms"`
}

// ParameterDef is one [parameters.<name>] entry.
type ParameterDef struct {
	Default     interface{} `koanf:"default"`
	Unit        string      `koanf:"unit"`
	Description string      `koanf:"description"`
	Range       []float64   `koanf:"range"` // [min, max], empty if unset
	Choices     []string    `koanf:"choices"`
}

// RetryPolicy is the retry shape, attached per-command or at
// the device default.
type RetryPolicy struct {
	MaxRetries        int      `koanf:"max_retries"`
	InitialDelayMs    int      `koanf:"initial_delay_ms"`
	MaxDelayMs        int      `koanf:"max_delay_ms"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	RetryOnErrors     []string `koanf:"retry_on_errors"`
	NoRetryOnErrors   []string `koanf:"no_retry_on_errors"`
}

// CommandDef is one [commands.<name>] entry.
type CommandDef struct {
	Template        string       `koanf:"template"`
	ExpectsResponse bool         `koanf:"expects_response"`
	ResponseName    string       `koanf:"response_name"`
	TimeoutMs       int          `koanf:"timeout_ms"`
	RetryPolicy     *RetryPolicy `koanf:"retry_policy"`
}

// CRCDef is the [responses.<name>].crc sub-section.
type CRCDef struct {
	Algorithm string `koanf:"algorithm"`
	Validate  bool   `koanf:"validate"`
	ByteOrder string `koanf:"byte_order"`
}

// ResponseFieldDef is one entry of a [responses.<name>] field table.
type ResponseFieldDef struct {
	Type        string `koanf:"type"`
	Position    *int   `koanf:"position"`
	Start       *int   `koanf:"start"`
	Length      *int   `koanf:"length"`
	LengthField string `koanf:"length_field"`
	Expected    string `koanf:"expected"`
	IsErrorCode bool   `koanf:"is_error_code"`
	Signed      bool   `koanf:"signed"`
}

// ResponseDef is one [responses.<name>] entry.
type ResponseDef struct {
	Pattern   string                      `koanf:"pattern"`
	MinLength *int                        `koanf:"min_length"`
	MaxLength *int                        `koanf:"max_length"`
	CRC       *CRCDef                     `koanf:"crc"`
	Fields    map[string]ResponseFieldDef `koanf:"fields"`
}

// InitStep is one entry of a device config's [init_sequence] list.
type InitStep struct {
	Command  string                 `koanf:"command"`
	Params   map[string]interface{} `koanf:"params"`
	Expect   string                 `koanf:"expect"`
	Required bool                   `koanf:"required"`
	DelayMs  int                    `koanf:"delay_ms"`
}

// ErrorCodeDef is one [error_codes.<code>] entry.
type ErrorCodeDef struct {
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
	Severity    string `koanf:"severity"` // info | warn | error | fatal
	Recoverable bool   `koanf:"recoverable"`
}

// TraitMethodDef is one [trait_mapping.<trait>.methods.<method>] entry in
// a device config file.
type TraitMethodDef struct {
	Command          string `koanf:"command"`
	Script           string `koanf:"script"`
	InputParam       string `koanf:"input_param"`
	InputConversion  string `koanf:"input_conversion"`
	FromParam        string `koanf:"from_param"`
	OutputField      string `koanf:"output_field"`
	OutputConversion string `koanf:"output_conversion"`
	PollCommand      string `koanf:"poll_command"`
	SuccessCondition string `koanf:"success_condition"`
	PollIntervalMs   int    `koanf:"poll_interval_ms"`
	TimeoutMs        int    `koanf:"timeout_ms"`
}

// ScriptDef is one [scripts.<name>] entry.
type ScriptDef struct {
	Source    string `koanf:"source"`
	TimeoutMs int    `koanf:"timeout_ms"`
}

// BinaryFieldDef is one field of a [binary_commands.<name>] or
// [binary_responses.<name>] entry.
type BinaryFieldDef struct {
	Name        string `koanf:"name"`
	Type        string `koanf:"type"`
	Value       string `koanf:"value"`
	Position    *int   `koanf:"position"`
	Start       *int   `koanf:"start"`
	Length      *int   `koanf:"length"`
	LengthField string `koanf:"length_field"`
	Expected    string `koanf:"expected"`
	IsErrorCode bool   `koanf:"is_error_code"`
}

// BinaryCRCDef is the crc sub-section of a binary command/response entry.
type BinaryCRCDef struct {
	Algorithm string `koanf:"algorithm"`
	Append    bool   `koanf:"append"`
	Validate  bool   `koanf:"validate"`
	ByteOrder string `koanf:"byte_order"`
}

// BinaryCommandDef is one [binary_commands.<name>] entry.
type BinaryCommandDef struct {
	Fields []BinaryFieldDef `koanf:"fields"`
	CRC    *BinaryCRCDef    `koanf:"crc"`
}

// BinaryResponseDef is one [binary_responses.<name>] entry.
type BinaryResponseDef struct {
	Fields    []BinaryFieldDef `koanf:"fields"`
	CRC       *BinaryCRCDef    `koanf:"crc"`
	MinLength *int             `koanf:"min_length"`
	MaxLength *int             `koanf:"max_length"`
}

// DeviceConfig is the full declarative device description.
type DeviceConfig struct {
	Metadata       Metadata                         `koanf:"metadata"`
	Connection     Connection                       `koanf:"connection"`
	Parameters     map[string]ParameterDef          `koanf:"parameters"`
	Commands       map[string]CommandDef            `koanf:"commands"`
	Responses      map[string]ResponseDef           `koanf:"responses"`
	Conversions    map[string]string                `koanf:"conversions"`
	InitSequence   []InitStep                       `koanf:"init_sequence"`
	ErrorCodes     map[string]ErrorCodeDef           `koanf:"error_codes"`
	TraitMapping   map[string]map[string]TraitMethodDef `koanf:"trait_mapping"`
	Scripts        map[string]ScriptDef              `koanf:"scripts"`
	BinaryCommands map[string]BinaryCommandDef       `koanf:"binary_commands"`
	BinaryResponses map[string]BinaryResponseDef     `koanf:"binary_responses"`
}

// Load reads a device config from a YAML file at path, using a single
// koanf file provider over the YAML parser.
func Load(path string) (*DeviceConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, daqerr.Wrap(daqerr.Config, err, "failed to load device config file "+path)
	}
	return unmarshal(k)
}

// LoadBytes parses a device config from in-memory YAML, for embedded
// defaults and tests.
func LoadBytes(data []byte) (*DeviceConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, daqerr.Wrap(daqerr.Config, err, "failed to parse device config")
	}
	return unmarshal(k)
}

// Save writes cfg back out as YAML, for tooling that edits a device config
// in memory (e.g. appending a discovered error code) and persists it. The
// struct tags above are koanf tags, not yaml tags, so Save's field names
// follow yaml.v2's default lower-cased-field-name convention rather than
// exactly mirroring Load's section names; round-tripping Save then Load is
// not a requirement this package makes.
func (cfg *DeviceConfig) Save(path string) error {
	out, err := yamlv2.Marshal(cfg)
	if err != nil {
		return daqerr.Wrap(daqerr.Config, err, "failed to marshal device config")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return daqerr.Wrap(daqerr.Config, err, "failed to write device config file "+path)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*DeviceConfig, error) {
	var cfg DeviceConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, daqerr.Wrap(daqerr.Config, err, "failed to unmarshal device config")
	}
	return &cfg, nil
}
