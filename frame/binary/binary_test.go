package binary

import (
	"bytes"
	"testing"
)

// TestCRC16ModbusVector mirrors original_source's own literal test vector.
func TestCRC16ModbusVector(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	v := Calculate(data, CRCConfig{Algorithm: CRC16Modbus, ByteOrder: LittleEndian})
	if v.Value != 0x0A84 {
		t.Fatalf("got 0x%X, want 0x0A84", v.Value)
	}
	want := []byte{0x84, 0x0A}
	if !bytes.Equal(v.Bytes, want) {
		t.Fatalf("got bytes %v, want %v", v.Bytes, want)
	}
}

func TestCRC16CcittAndCcittFalseAlias(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	a := Calculate(data, CRCConfig{Algorithm: CRC16CCITT})
	b := Calculate(data, CRCConfig{Algorithm: CRC16CCITTFalse})
	if a.Value != b.Value {
		t.Fatalf("crc16_ccitt (0x%X) and crc16_ccitt_false (0x%X) must alias", a.Value, b.Value)
	}
}

func TestXor8AndLrcAlias(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	a := Calculate(data, CRCConfig{Algorithm: XOR8})
	b := Calculate(data, CRCConfig{Algorithm: LRC})
	if a.Value != b.Value || a.Value != 0x04 {
		t.Fatalf("got xor8=0x%X lrc=0x%X, want both 0x04", a.Value, b.Value)
	}
}

func TestChecksum8Wraps(t *testing.T) {
	data := []byte{0xFF, 0x02}
	v := Calculate(data, CRCConfig{Algorithm: Checksum8})
	if v.Value != 0x01 {
		t.Fatalf("got 0x%X, want 0x01 (wrapping 0xFF+0x02)", v.Value)
	}
}

// TestBuildFrameModbusReadCommand is scenario D from : building a
// Modbus read-holding-registers request with a trailing CRC.
func TestBuildFrameModbusReadCommand(t *testing.T) {
	cfg := CommandConfig{
		Fields: []CommandField{
			{Name: "address", Type: U8, Value: "${address}"},
			{Name: "function", Type: U8, Value: "0x03"},
			{Name: "start", Type: U16Be, Value: "0x0000"},
			{Name: "count", Type: U16Be, Value: "${count}"},
		},
		CRC: &CRCConfig{Algorithm: CRC16Modbus, Append: true, ByteOrder: LittleEndian},
	}
	frame, err := NewFrameBuilder().BuildFrame(cfg, map[string]float64{"address": 1, "count": 1})
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(frame, want) {
		t.Fatalf("got %v, want %v", frame, want)
	}
}

func TestBuildFrameFixedBytesTakePrecedence(t *testing.T) {
	cfg := CommandConfig{
		Fields: []CommandField{
			{Name: "preamble", Bytes: []byte{0xAA, 0x55}},
			{Name: "value", Type: U8, Value: "7"},
		},
	}
	frame, err := NewFrameBuilder().BuildFrame(cfg, nil)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	want := []byte{0xAA, 0x55, 0x07}
	if !bytes.Equal(frame, want) {
		t.Fatalf("got %v, want %v", frame, want)
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	cfg := CRCConfig{Algorithm: CRC16Modbus, Append: true, ByteOrder: LittleEndian}
	frame, _ := NewFrameBuilder().BuildFrame(CommandConfig{
		Fields: []CommandField{
			{Name: "a", Type: U8, Value: "1"},
			{Name: "b", Type: U8, Value: "3"},
		},
		CRC: &cfg,
	}, nil)
	ok, err := Validate(frame, cfg)
	if err != nil || !ok {
		t.Fatalf("expected valid frame, got ok=%v err=%v", ok, err)
	}
	corrupted := append([]byte{}, frame...)
	corrupted[0] ^= 0xFF
	ok, err = Validate(corrupted, cfg)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatalf("expected corrupted frame to fail validation")
	}
}

// TestParseResponseModbusVariableLength is scenario D's response half: a
// byte-count-prefixed data field, mirroring original_source's own
// test_response_parser_variable_length.
func TestParseResponseModbusVariableLength(t *testing.T) {
	// address, function, byte_count=2, data=[0x00,0x17], crc
	data := []byte{0x01, 0x03, 0x02, 0x00, 0x17}
	crcVal := Calculate(data, CRCConfig{Algorithm: CRC16Modbus, ByteOrder: LittleEndian})
	frame := append(append([]byte{}, data...), crcVal.Bytes...)

	cfg := ResponseConfig{
		Fields: []ResponseField{
			{Name: "address", Type: U8},
			{Name: "function", Type: U8},
			{Name: "byte_count", Type: U8},
			{Name: "data", Type: Bytes, LengthField: "byte_count"},
		},
		CRC: &CRCConfig{Algorithm: CRC16Modbus, Validate: true, ByteOrder: LittleEndian},
	}
	out, err := Parse(frame, cfg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bc, _ := out["byte_count"].AsI64()
	if bc != 2 {
		t.Fatalf("byte_count = %v, want 2", bc)
	}
	if !bytes.Equal(out["data"].Bytes, []byte{0x00, 0x17}) {
		t.Fatalf("data = %v, want [0 0x17]", out["data"].Bytes)
	}
}

func TestParseResponseRejectsBadCRC(t *testing.T) {
	cfg := ResponseConfig{
		Fields: []ResponseField{{Name: "v", Type: U8}},
		CRC:    &CRCConfig{Algorithm: CRC16Modbus, Validate: true, ByteOrder: LittleEndian},
	}
	if _, err := Parse([]byte{0x01, 0x00, 0x00}, cfg); err == nil {
		t.Fatalf("expected CRC validation error")
	}
}

func TestParseResponseExplicitPositionThenSequential(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	pos2 := 2
	cfg := ResponseConfig{
		Fields: []ResponseField{
			{Name: "tail", Type: U8, Position: &pos2},
			{Name: "after_tail", Type: U8}, // sequential offset resumes at position+consumed = 3
		},
	}
	out, err := Parse(data, cfg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tail, _ := out["tail"].AsI64()
	after, _ := out["after_tail"].AsI64()
	if tail != 0xCC || after != 0xDD {
		t.Fatalf("tail=0x%X after_tail=0x%X, want 0xCC 0xDD", tail, after)
	}
}

func TestParseResponseSignedAndFloatFields(t *testing.T) {
	cfg := ResponseConfig{
		Fields: []ResponseField{
			{Name: "temp", Type: I16Be},
			{Name: "ratio", Type: F32Be},
		},
	}
	// temp = -5 (0xFFFB), ratio = 1.5f32 (0x3FC00000)
	data := []byte{0xFF, 0xFB, 0x3F, 0xC0, 0x00, 0x00}
	out, err := Parse(data, cfg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	temp, _ := out["temp"].AsI64()
	if temp != -5 {
		t.Fatalf("temp = %v, want -5", temp)
	}
	ratio, _ := out["ratio"].AsF64()
	if ratio != 1.5 {
		t.Fatalf("ratio = %v, want 1.5", ratio)
	}
}

func TestParseResponseExpectedMismatchDoesNotError(t *testing.T) {
	cfg := ResponseConfig{
		Fields: []ResponseField{
			{Name: "status", Type: U8, Expected: "0x00"},
		},
	}
	out, err := Parse([]byte{0x01}, cfg)
	if err != nil {
		t.Fatalf("expected-value mismatch must not fail parsing, got: %v", err)
	}
	status, _ := out["status"].AsI64()
	if status != 1 {
		t.Fatalf("status = %v, want 1", status)
	}
}

func TestParseResponseTooShortForMinLength(t *testing.T) {
	min := 4
	cfg := ResponseConfig{
		Fields:    []ResponseField{{Name: "v", Type: U8}},
		MinLength: &min,
	}
	if _, err := Parse([]byte{0x01}, cfg); err == nil {
		t.Fatalf("expected min-length validation error")
	}
}

func TestParseResponseAsciiStringZ(t *testing.T) {
	cfg := ResponseConfig{
		Fields: []ResponseField{
			{Name: "name", Type: AsciiStringZ, Length: intPtr(6)},
		},
	}
	out, err := Parse([]byte("AB\x00CDE"), cfg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if *out["name"].String != "AB" {
		t.Fatalf("name = %q, want %q", *out["name"].String, "AB")
	}
}

func intPtr(v int) *int { return &v }
