// Package binary implements the binary frame codec: a field
// table builder with CRC support, and a response parser that supports
// fixed-position and dynamic/length-field-driven variable-length fields
// (enabling TLV/byte-count protocols like Modbus).
//
// The algorithm is grounded exactly on original_source's
// crates/daq-hardware/src/drivers/binary_protocol.rs, including its
// idiosyncratic aliasing of crc16_ccitt and crc16_ccitt_false onto the same
// CRC-16/IBM-SDLC parameters (the reference's own comment: "CRC-16-IBM-SDLC
// is also known as CRC-16-CCITT").
package binary

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/snksoft/crc"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
	"github.jpl.nasa.gov/daq/corefw/logging"
)

// FieldType enumerates the binary field encodings.
type FieldType int

const (
	U8 FieldType = iota
	I8
	U16Be
	U16Le
	I16Be
	I16Le
	U32Be
	U32Le
	I32Be
	I32Le
	F32Be
	F32Le
	U64Be
	U64Le
	Bytes
	AsciiString
	AsciiStringZ
)

// fixedSize returns the field's fixed byte width, if it has one.
func (t FieldType) fixedSize() (int, bool) {
	switch t {
	case U8, I8:
		return 1, true
	case U16Be, U16Le, I16Be, I16Le:
		return 2, true
	case U32Be, U32Le, I32Be, I32Le, F32Be, F32Le:
		return 4, true
	case U64Be, U64Le:
		return 8, true
	default:
		return 0, false
	}
}

// ByteOrder selects endianness for multi-byte fields and CRC byte output.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

// Algorithm enumerates the CRC algorithms.
type Algorithm int

const (
	CRC16Modbus Algorithm = iota
	CRC16CCITT
	CRC16CCITTFalse
	CRC16XModem
	CRC32
	CRC32C
	Checksum8
	XOR8
	LRC
)

// CRCConfig configures CRC appending (on build) and/or validation (on
// parse).
type CRCConfig struct {
	Algorithm Algorithm
	Append    bool
	Validate  bool
	ByteOrder ByteOrder
}

// Value is a computed CRC plus its byte representation in the configured
// byte order.
type Value struct {
	Value uint64
	Bytes []byte
}

func crcParams(algo Algorithm) (params *crc.Parameters, size int) {
	switch algo {
	case CRC16Modbus:
		return &crc.Parameters{Width: 16, Polynomial: 0x8005, Init: 0xFFFF, ReflectIn: true, ReflectOut: true, FinalXor: 0x0000}, 2
	case CRC16CCITT, CRC16CCITTFalse:
		// Both alias CRC-16/IBM-SDLC per original_source's own comment.
		return &crc.Parameters{Width: 16, Polynomial: 0x1021, Init: 0xFFFF, ReflectIn: true, ReflectOut: true, FinalXor: 0xFFFF}, 2
	case CRC16XModem:
		return &crc.Parameters{Width: 16, Polynomial: 0x1021, Init: 0x0000, ReflectIn: false, ReflectOut: false, FinalXor: 0x0000}, 2
	case CRC32:
		return &crc.Parameters{Width: 32, Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF, ReflectIn: true, ReflectOut: true, FinalXor: 0xFFFFFFFF}, 4
	case CRC32C:
		return &crc.Parameters{Width: 32, Polynomial: 0x1EDC6F41, Init: 0xFFFFFFFF, ReflectIn: true, ReflectOut: true, FinalXor: 0xFFFFFFFF}, 4
	default:
		return nil, 1 // Checksum8, XOR8, LRC handled specially below
	}
}

// Calculate computes the CRC (or 8-bit checksum/XOR) of data per cfg.
func Calculate(data []byte, cfg CRCConfig) Value {
	switch cfg.Algorithm {
	case Checksum8:
		var sum byte
		for _, b := range data {
			sum += b // wrapping add
		}
		return Value{Value: uint64(sum), Bytes: []byte{sum}}
	case XOR8, LRC:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return Value{Value: uint64(x), Bytes: []byte{x}}
	default:
		params, size := crcParams(cfg.Algorithm)
		value := crc.CalculateCRC(params, data)
		return Value{Value: value, Bytes: encodeCRCBytes(value, size, cfg.ByteOrder)}
	}
}

func encodeCRCBytes(value uint64, size int, order ByteOrder) []byte {
	switch size {
	case 1:
		return []byte{byte(value)}
	case 2:
		b := make([]byte, 2)
		if order == LittleEndian {
			binary.LittleEndian.PutUint16(b, uint16(value))
		} else {
			binary.BigEndian.PutUint16(b, uint16(value))
		}
		return b
	case 4:
		b := make([]byte, 4)
		if order == LittleEndian {
			binary.LittleEndian.PutUint32(b, uint32(value))
		} else {
			binary.BigEndian.PutUint32(b, uint32(value))
		}
		return b
	default:
		return nil
	}
}

func crcSize(algo Algorithm) int {
	switch algo {
	case CRC16Modbus, CRC16CCITT, CRC16CCITTFalse, CRC16XModem:
		return 2
	case CRC32, CRC32C:
		return 4
	default:
		return 1
	}
}

// Validate checks that frame's trailing bytes (per cfg's algorithm) match
// the CRC of everything preceding them.
func Validate(frame []byte, cfg CRCConfig) (bool, error) {
	size := crcSize(cfg.Algorithm)
	if len(frame) < size {
		return false, daqerr.New(daqerr.Parse, fmt.Sprintf("frame too short for CRC validation: %d bytes, need at least %d", len(frame), size))
	}
	data := frame[:len(frame)-size]
	received := frame[len(frame)-size:]
	calculated := Calculate(data, cfg)
	if len(calculated.Bytes) != len(received) {
		return false, nil
	}
	for i := range received {
		if calculated.Bytes[i] != received[i] {
			return false, nil
		}
	}
	return true, nil
}

// CommandField is one field of a binary command template.
type CommandField struct {
	Name  string
	Type  FieldType
	Value string // hex literal ("0xNN"), parameter reference ("${name}"), or decimal
	Bytes []byte // fixed bytes; if set, takes precedence over Value
}

// CommandConfig is a declarative binary frame template.
type CommandConfig struct {
	Fields []CommandField
	CRC    *CRCConfig
}

// FrameBuilder accumulates bytes for one frame at a time; reusing it across
// calls to BuildFrame avoids reallocating the backing buffer.
type FrameBuilder struct {
	buf []byte
}

// NewFrameBuilder returns an empty builder.
func NewFrameBuilder() *FrameBuilder { return &FrameBuilder{} }

// BuildFrame renders cfg against params, appending a CRC if configured.
func (b *FrameBuilder) BuildFrame(cfg CommandConfig, params map[string]float64) ([]byte, error) {
	b.buf = b.buf[:0]
	for _, f := range cfg.Fields {
		if err := b.appendField(f, params); err != nil {
			return nil, daqerr.Wrap(daqerr.Config, err, fmt.Sprintf("failed to append field %q", f.Name))
		}
	}
	if cfg.CRC != nil && cfg.CRC.Append {
		crcVal := Calculate(b.buf, *cfg.CRC)
		b.buf = append(b.buf, crcVal.Bytes...)
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, nil
}

func (b *FrameBuilder) appendField(f CommandField, params map[string]float64) error {
	if f.Bytes != nil {
		b.buf = append(b.buf, f.Bytes...)
		return nil
	}
	switch f.Type {
	case Bytes, AsciiString, AsciiStringZ:
		s, err := resolveString(f.Value, params)
		if err != nil {
			return err
		}
		b.buf = append(b.buf, []byte(s)...)
		if f.Type == AsciiStringZ {
			b.buf = append(b.buf, 0)
		}
		return nil
	}

	value, err := resolveValue(f.Value, params)
	if err != nil {
		return err
	}
	switch f.Type {
	case U8:
		b.buf = append(b.buf, byte(uint8(value)))
	case I8:
		b.buf = append(b.buf, byte(int8(value)))
	case U16Be:
		b.buf = appendU16(b.buf, uint16(value), BigEndian)
	case U16Le:
		b.buf = appendU16(b.buf, uint16(value), LittleEndian)
	case I16Be:
		b.buf = appendU16(b.buf, uint16(int16(value)), BigEndian)
	case I16Le:
		b.buf = appendU16(b.buf, uint16(int16(value)), LittleEndian)
	case U32Be:
		b.buf = appendU32(b.buf, uint32(value), BigEndian)
	case U32Le:
		b.buf = appendU32(b.buf, uint32(value), LittleEndian)
	case I32Be:
		b.buf = appendU32(b.buf, uint32(int32(value)), BigEndian)
	case I32Le:
		b.buf = appendU32(b.buf, uint32(int32(value)), LittleEndian)
	case F32Be:
		b.buf = appendU32(b.buf, math.Float32bits(float32(value)), BigEndian)
	case F32Le:
		b.buf = appendU32(b.buf, math.Float32bits(float32(value)), LittleEndian)
	case U64Be:
		b.buf = appendU64(b.buf, uint64(value), BigEndian)
	case U64Le:
		b.buf = appendU64(b.buf, uint64(value), LittleEndian)
	default:
		return daqerr.New(daqerr.Config, "unknown field type")
	}
	return nil
}

func appendU16(buf []byte, v uint16, order ByteOrder) []byte {
	b := make([]byte, 2)
	if order == LittleEndian {
		binary.LittleEndian.PutUint16(b, v)
	} else {
		binary.BigEndian.PutUint16(b, v)
	}
	return append(buf, b...)
}

func appendU32(buf []byte, v uint32, order ByteOrder) []byte {
	b := make([]byte, 4)
	if order == LittleEndian {
		binary.LittleEndian.PutUint32(b, v)
	} else {
		binary.BigEndian.PutUint32(b, v)
	}
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64, order ByteOrder) []byte {
	b := make([]byte, 8)
	if order == LittleEndian {
		binary.LittleEndian.PutUint64(b, v)
	} else {
		binary.BigEndian.PutUint64(b, v)
	}
	return append(buf, b...)
}

// resolveValue resolves a hex literal, parameter reference, or decimal
// literal to a numeric value.
func resolveValue(template string, params map[string]float64) (float64, error) {
	t := strings.TrimSpace(template)
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		hexStr := t[2:]
		v, err := strconv.ParseUint(hexStr, 16, 64)
		if err != nil {
			return 0, daqerr.Wrap(daqerr.Config, err, fmt.Sprintf("invalid hex literal %q", t))
		}
		return float64(v), nil
	}
	if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") {
		name := t[2 : len(t)-1]
		v, ok := params[name]
		if !ok {
			return 0, daqerr.New(daqerr.Config, fmt.Sprintf("parameter %q not found", name))
		}
		return v, nil
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, daqerr.Wrap(daqerr.Config, err, fmt.Sprintf("invalid numeric value %q", t))
	}
	return v, nil
}

func resolveString(template string, params map[string]float64) (string, error) {
	t := strings.TrimSpace(template)
	if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") {
		name := t[2 : len(t)-1]
		if v, ok := params[name]; ok {
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		}
		return t, nil
	}
	return t, nil
}

// ParsedValue is a typed value extracted from a binary response field.
type ParsedValue struct {
	Unsigned *uint64
	Signed   *int64
	Float    *float64
	Bytes    []byte
	String   *string
}

// AsF64 converts numeric ParsedValues to float64.
func (p ParsedValue) AsF64() (float64, bool) {
	switch {
	case p.Unsigned != nil:
		return float64(*p.Unsigned), true
	case p.Signed != nil:
		return float64(*p.Signed), true
	case p.Float != nil:
		return *p.Float, true
	default:
		return 0, false
	}
}

// AsI64 converts numeric ParsedValues to int64.
func (p ParsedValue) AsI64() (int64, bool) {
	switch {
	case p.Unsigned != nil:
		return int64(*p.Unsigned), true
	case p.Signed != nil:
		return *p.Signed, true
	case p.Float != nil:
		return int64(*p.Float), true
	default:
		return 0, false
	}
}

// ResponseField describes how to extract and interpret one field of a
// binary response.
type ResponseField struct {
	Name        string
	Type        FieldType
	Position    *int // fixed absolute offset
	Start       *int // alias for Position used when chained after a prior field
	Length      *int // explicit length, for Bytes/AsciiString
	LengthField string // named previously-parsed field supplying the length
	Expected    string // expected value (decimal or hex); a mismatch is logged and never fails Parse
	IsErrorCode bool
}

// ResponseConfig is a declarative binary response template.
type ResponseConfig struct {
	Fields            []ResponseField
	CRC               *CRCConfig
	MinLength, MaxLength *int
}

// Parse extracts every field of cfg from data, validating length bounds
// and CRC if configured.
func Parse(data []byte, cfg ResponseConfig) (map[string]ParsedValue, error) {
	if cfg.MinLength != nil && len(data) < *cfg.MinLength {
		return nil, daqerr.New(daqerr.Parse, fmt.Sprintf("response too short: %d bytes, expected at least %d", len(data), *cfg.MinLength))
	}
	if cfg.MaxLength != nil && len(data) > *cfg.MaxLength {
		return nil, daqerr.New(daqerr.Parse, fmt.Sprintf("response too long: %d bytes, expected at most %d", len(data), *cfg.MaxLength))
	}
	if cfg.CRC != nil && cfg.CRC.Validate {
		ok, err := Validate(data, *cfg.CRC)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, daqerr.New(daqerr.Parse, "CRC validation failed")
		}
	}

	result := make(map[string]ParsedValue, len(cfg.Fields))
	offset := 0
	for _, f := range cfg.Fields {
		value, consumed, err := parseField(data, f, result, offset)
		if err != nil {
			return nil, err
		}
		result[f.Name] = value
		switch {
		case f.Position != nil:
			offset = *f.Position + consumed
		case f.Start != nil:
			offset = *f.Start + consumed
		default:
			offset += consumed
		}
	}
	return result, nil
}

func parseField(data []byte, f ResponseField, parsedSoFar map[string]ParsedValue, currentOffset int) (ParsedValue, int, error) {
	start := currentOffset
	if f.Position != nil {
		start = *f.Position
	} else if f.Start != nil {
		start = *f.Start
	}
	if start >= len(data) {
		return ParsedValue{}, 0, daqerr.New(daqerr.Parse, fmt.Sprintf("field %q start position %d exceeds data length %d", f.Name, start, len(data)))
	}

	length := 0
	switch {
	case f.Length != nil:
		length = *f.Length
	case f.LengthField != "":
		lv, ok := parsedSoFar[f.LengthField]
		if !ok {
			return ParsedValue{}, 0, daqerr.New(daqerr.Parse, fmt.Sprintf("length field %q not found", f.LengthField))
		}
		n, ok := lv.AsI64()
		if !ok {
			return ParsedValue{}, 0, daqerr.New(daqerr.Parse, fmt.Sprintf("length field %q is not numeric", f.LengthField))
		}
		length = int(n)
	default:
		if n, ok := f.Type.fixedSize(); ok {
			length = n
		} else {
			length = 1
		}
	}

	if start+length > len(data) {
		return ParsedValue{}, 0, daqerr.New(daqerr.Parse, fmt.Sprintf("field %q extends beyond data: start=%d, length=%d, data_len=%d", f.Name, start, length, len(data)))
	}
	fieldData := data[start : start+length]

	value, err := decodeField(fieldData, f.Type, length)
	if err != nil {
		return ParsedValue{}, 0, err
	}

	if f.Expected != "" {
		checkExpected(f, value)
	}

	return value, length, nil
}

func decodeField(fieldData []byte, t FieldType, length int) (ParsedValue, error) {
	u64 := func(v uint64) ParsedValue { return ParsedValue{Unsigned: &v} }
	i64 := func(v int64) ParsedValue { return ParsedValue{Signed: &v} }
	f64 := func(v float64) ParsedValue { return ParsedValue{Float: &v} }

	switch t {
	case U8:
		return u64(uint64(fieldData[0])), nil
	case I8:
		return i64(int64(int8(fieldData[0]))), nil
	case U16Be:
		return u64(uint64(binary.BigEndian.Uint16(fieldData))), nil
	case U16Le:
		return u64(uint64(binary.LittleEndian.Uint16(fieldData))), nil
	case I16Be:
		return i64(int64(int16(binary.BigEndian.Uint16(fieldData)))), nil
	case I16Le:
		return i64(int64(int16(binary.LittleEndian.Uint16(fieldData)))), nil
	case U32Be:
		return u64(uint64(binary.BigEndian.Uint32(fieldData))), nil
	case U32Le:
		return u64(uint64(binary.LittleEndian.Uint32(fieldData))), nil
	case I32Be:
		return i64(int64(int32(binary.BigEndian.Uint32(fieldData)))), nil
	case I32Le:
		return i64(int64(int32(binary.LittleEndian.Uint32(fieldData)))), nil
	case F32Be:
		return f64(float64(math.Float32frombits(binary.BigEndian.Uint32(fieldData)))), nil
	case F32Le:
		return f64(float64(math.Float32frombits(binary.LittleEndian.Uint32(fieldData)))), nil
	case U64Be:
		return u64(binary.BigEndian.Uint64(fieldData)), nil
	case U64Le:
		return u64(binary.LittleEndian.Uint64(fieldData)), nil
	case Bytes:
		cp := make([]byte, len(fieldData))
		copy(cp, fieldData)
		return ParsedValue{Bytes: cp}, nil
	case AsciiString:
		s := string(fieldData)
		return ParsedValue{String: &s}, nil
	case AsciiStringZ:
		end := length
		for i, b := range fieldData {
			if b == 0 {
				end = i
				break
			}
		}
		s := string(fieldData[:end])
		return ParsedValue{String: &s}, nil
	default:
		return ParsedValue{}, daqerr.New(daqerr.Config, "unknown field type")
	}
}

// checkExpected logs a mismatch (at error level for IsErrorCode fields, at
// warning level otherwise); it never returns an error.
func checkExpected(f ResponseField, value ParsedValue) {
	expected := f.Expected
	var expectedNum uint64
	var err error
	if strings.HasPrefix(expected, "0x") || strings.HasPrefix(expected, "0X") {
		expectedNum, err = strconv.ParseUint(expected[2:], 16, 64)
	} else {
		expectedNum, err = strconv.ParseUint(expected, 10, 64)
	}
	if err != nil {
		return
	}
	actual, ok := value.AsI64()
	if !ok {
		return
	}
	if uint64(actual) != expectedNum {
		if f.IsErrorCode {
			logging.Errorf("response field %q carries device error code 0x%X (expected 0x%X)", f.Name, actual, expectedNum)
			return
		}
		logging.Warnf("response field %q = 0x%X, expected 0x%X", f.Name, actual, expectedNum)
	}
}
