// Package textual implements the textual frame codec:
// placeholder interpolation for outgoing commands and named-capture pattern
// parsing for incoming responses.
package textual

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]+))?\}`)

// Sources supplies placeholder resolution in priority order:
// caller-supplied parameters, then the device parameter table, then the
// special name "address".
type Sources struct {
	Params  map[string]interface{}
	Device  map[string]interface{}
	Address string
}

func (s Sources) resolve(name string) (interface{}, bool) {
	if v, ok := s.Params[name]; ok {
		return v, true
	}
	if v, ok := s.Device[name]; ok {
		return v, true
	}
	if name == "address" {
		return s.Address, true
	}
	return nil, false
}

// BuildCommand interpolates every ${name} / ${name:fmt} placeholder in
// template against sources, preserves all non-placeholder characters
// byte-for-byte, and appends terminator exactly once.
func BuildCommand(template string, sources Sources, terminator string) (string, error) {
	var missing string
	var buildErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		if buildErr != nil {
			return match
		}
		sub := placeholderRe.FindStringSubmatch(match)
		name, spec := sub[1], sub[2]
		val, ok := sources.resolve(name)
		if !ok {
			missing = name
			buildErr = daqerr.New(daqerr.Config, fmt.Sprintf("placeholder %q not found in any source", name))
			return match
		}
		formatted, err := formatValue(val, spec)
		if err != nil {
			buildErr = err
			return match
		}
		return formatted
	})
	if buildErr != nil {
		_ = missing
		return "", buildErr
	}
	return out + terminator, nil
}

// formatValue renders v per the optional format spec: "0Wx"/"0WX" (hex,
// width W, signed values reinterpreted through two's complement over W*4
// bits), "0Wd" (zero-padded decimal), or the value's default string form
// when spec is empty.
func formatValue(v interface{}, spec string) (string, error) {
	if spec == "" {
		return fmt.Sprintf("%v", v), nil
	}
	width, kind, err := parseFormatSpec(spec)
	if err != nil {
		return "", err
	}
	i, err := toInt64(v)
	if err != nil {
		return "", err
	}
	switch kind {
	case 'X', 'x':
		bits := uint(width * 4)
		var u uint64
		if i < 0 && bits < 64 {
			mask := uint64(1)<<bits - 1
			u = uint64(i) & mask
		} else {
			u = uint64(i)
		}
		verb := "%0*X"
		if kind == 'x' {
			verb = "%0*x"
		}
		return fmt.Sprintf(verb, width, u), nil
	case 'd':
		return fmt.Sprintf("%0*d", width, i), nil
	default:
		return "", daqerr.New(daqerr.Config, fmt.Sprintf("unsupported format specifier %q", spec))
	}
}

func parseFormatSpec(spec string) (width int, kind byte, err error) {
	if len(spec) < 2 || spec[0] != '0' {
		return 0, 0, daqerr.New(daqerr.Config, fmt.Sprintf("unsupported format specifier %q", spec))
	}
	kind = spec[len(spec)-1]
	if kind != 'X' && kind != 'x' && kind != 'd' {
		return 0, 0, daqerr.New(daqerr.Config, fmt.Sprintf("unsupported format specifier %q", spec))
	}
	w, convErr := strconv.Atoi(spec[1 : len(spec)-1])
	if convErr != nil {
		return 0, 0, daqerr.New(daqerr.Config, fmt.Sprintf("invalid width in format specifier %q", spec))
	}
	return w, kind, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, daqerr.New(daqerr.Config, fmt.Sprintf("value %q cannot be formatted as an integer", n))
		}
		return i, nil
	default:
		return 0, daqerr.New(daqerr.Config, fmt.Sprintf("value %v cannot be formatted as an integer", v))
	}
}

// FieldType enumerates the typed field interpretations for response capture
// groups.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeUint
	TypeFloat
	TypeBool
	TypeHexU8
	TypeHexU16
	TypeHexU32
	TypeHexU64
	TypeHexI32
	TypeHexI64
)

// Field declares how to interpret one named capture group.
type Field struct {
	Type   FieldType
	Signed bool // only consulted by TypeHexI32/TypeHexI64
}

// Response describes a parseable response pattern with named capture
// groups and a typed field table.
type Response struct {
	Pattern *regexp.Regexp
	Fields  map[string]Field
}

// NewResponse compiles pattern and pairs it with fields.
func NewResponse(pattern string, fields map[string]Field) (*Response, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, daqerr.Wrap(daqerr.Config, err, fmt.Sprintf("invalid response pattern %q", pattern))
	}
	return &Response{Pattern: re, Fields: fields}, nil
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true}

// Parse matches resp's pattern against the trimmed input and interprets
// each named field according to the field table.
func (resp *Response) Parse(input string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(input)
	match := resp.Pattern.FindStringSubmatch(trimmed)
	if match == nil {
		return nil, daqerr.New(daqerr.Parse, fmt.Sprintf("response %q did not match pattern %q", trimmed, resp.Pattern.String()))
	}
	names := resp.Pattern.SubexpNames()
	raw := make(map[string]string, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		raw[name] = match[i]
	}

	out := make(map[string]interface{}, len(resp.Fields))
	for name, field := range resp.Fields {
		text, ok := raw[name]
		if !ok {
			return nil, daqerr.New(daqerr.Parse, fmt.Sprintf("capture group %q not present in pattern", name))
		}
		v, err := parseField(text, field)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func parseField(text string, field Field) (interface{}, error) {
	switch field.Type {
	case TypeString:
		return text, nil
	case TypeInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Parse, err, fmt.Sprintf("field %q is not an int", text))
		}
		return n, nil
	case TypeUint:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Parse, err, fmt.Sprintf("field %q is not a uint", text))
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Parse, err, fmt.Sprintf("field %q is not a float", text))
		}
		return f, nil
	case TypeBool:
		return truthy[strings.ToLower(text)], nil
	case TypeHexU8, TypeHexU16, TypeHexU32, TypeHexU64:
		bits := hexBits(field.Type)
		u, err := strconv.ParseUint(text, 16, bits)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Parse, err, fmt.Sprintf("field %q is not valid hex", text))
		}
		return u, nil
	case TypeHexI32, TypeHexI64:
		bits := 32
		if field.Type == TypeHexI64 {
			bits = 64
		}
		u, err := strconv.ParseUint(text, 16, bits)
		if err != nil {
			return nil, daqerr.Wrap(daqerr.Parse, err, fmt.Sprintf("field %q is not valid hex", text))
		}
		if field.Signed {
			return twosComplement(u, bits), nil
		}
		return int64(u), nil
	default:
		return nil, daqerr.New(daqerr.Config, "unknown field type")
	}
}

func hexBits(t FieldType) int {
	switch t {
	case TypeHexU8:
		return 8
	case TypeHexU16:
		return 16
	case TypeHexU32:
		return 32
	case TypeHexU64:
		return 64
	default:
		return 64
	}
}

func twosComplement(u uint64, bits int) int64 {
	signBit := uint64(1) << (bits - 1)
	if u&signBit != 0 {
		return int64(u) - int64(uint64(1)<<bits)
	}
	return int64(u)
}
