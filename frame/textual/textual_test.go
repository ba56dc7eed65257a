package textual

import "testing"

// TestBuildCommandTextualRoundTrip builds an address-prefixed move command
// with a zero-padded hex parameter and checks the exact frame, terminator
// included.
func TestBuildCommandTextualRoundTrip(t *testing.T) {
	sources := Sources{
		Params: map[string]interface{}{"position_pulses": 17920},
		Address: "2",
	}
	got, err := BuildCommand("${address}ma${position_pulses:08X}", sources, "\r\n")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	want := "2ma00004600\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildCommandMissingPlaceholderIsConfigError(t *testing.T) {
	_, err := BuildCommand("${unknown}", Sources{}, "")
	if err == nil {
		t.Fatalf("expected error for unresolved placeholder")
	}
}

func TestBuildCommandPreservesLiteralText(t *testing.T) {
	sources := Sources{Params: map[string]interface{}{"x": 5}}
	got, err := BuildCommand("SET:X=${x:04d};END", sources, "")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if got != "SET:X=0005;END" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildCommandResolutionOrder(t *testing.T) {
	sources := Sources{
		Params: map[string]interface{}{"v": 1},
		Device: map[string]interface{}{"v": 2},
	}
	got, err := BuildCommand("${v}", sources, "")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if got != "1" {
		t.Fatalf("got %q, want caller-supplied value to win", got)
	}
}

func TestBuildCommandNegativeHexReinterpretedUnsigned(t *testing.T) {
	sources := Sources{Params: map[string]interface{}{"v": -1}}
	got, err := BuildCommand("${v:04X}", sources, "")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if got != "FFFF" {
		t.Fatalf("got %q, want FFFF", got)
	}
}

func TestResponseParsePattern(t *testing.T) {
	resp, err := NewResponse(`^POS=(?P<pos>-?\d+)$`, map[string]Field{
		"pos": {Type: TypeInt},
	})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	out, err := resp.Parse("  POS=-42  \r\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out["pos"].(int64) != -42 {
		t.Fatalf("got %v, want -42", out["pos"])
	}
}

func TestResponseParseNonMatchIsParseError(t *testing.T) {
	resp, err := NewResponse(`^OK$`, nil)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if _, err := resp.Parse("ERR"); err == nil {
		t.Fatalf("expected parse error for non-matching response")
	}
}

func TestResponseBoolTruthySet(t *testing.T) {
	resp, err := NewResponse(`^(?P<on>\w+)$`, map[string]Field{"on": {Type: TypeBool}})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"true", true}, {"1", true}, {"yes", true}, {"on", true}, {"false", false}, {"0", false},
	} {
		out, err := resp.Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if out["on"].(bool) != tc.want {
			t.Fatalf("Parse(%q) = %v, want %v", tc.in, out["on"], tc.want)
		}
	}
}

func TestResponseHexSignedTwosComplement(t *testing.T) {
	resp, err := NewResponse(`^(?P<v>[0-9A-Fa-f]+)$`, map[string]Field{
		"v": {Type: TypeHexI32, Signed: true},
	})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	out, err := resp.Parse("FFFFFFFF")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out["v"].(int64) != -1 {
		t.Fatalf("got %v, want -1", out["v"])
	}
}
