package script

import (
	"context"
	"testing"
	"time"
)

func mustCompile(t *testing.T, src string) *Script {
	t.Helper()
	s, err := Compile(src, DefaultLimits())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return s
}

func TestRunReturnsNumber(t *testing.T) {
	s := mustCompile(t, "return input * 2")
	in := 21.0
	result, err := s.Run(context.Background(), Scope{Input: &in})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, ok := result.AsF64()
	if !ok || f != 42 {
		t.Fatalf("got %v ok=%v, want 42", f, ok)
	}
}

func TestRunSeesAddressAndParams(t *testing.T) {
	s := mustCompile(t, "return address == '5' and params.gain or -1")
	result, err := s.Run(context.Background(), Scope{Address: "5", Params: map[string]float64{"gain": 2.5}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, ok := result.AsF64()
	if !ok || f != 2.5 {
		t.Fatalf("got %v ok=%v, want 2.5", f, ok)
	}
}

func TestRunBoolReturnMapsToOneOrZero(t *testing.T) {
	s := mustCompile(t, "return true")
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, _ := result.AsF64()
	if f != 1 {
		t.Fatalf("got %v, want 1", f)
	}
}

func TestRunStringReturnParsesAsNumber(t *testing.T) {
	s := mustCompile(t, `return "3.25"`)
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, ok := result.AsF64()
	if !ok || f != 3.25 {
		t.Fatalf("got %v ok=%v, want 3.25", f, ok)
	}
}

func TestRunNonNumericStringHasNoValue(t *testing.T) {
	s := mustCompile(t, `return "not a number"`)
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := result.AsF64(); ok {
		t.Fatalf("expected no numeric value for non-numeric string")
	}
}

func TestParseHexPanicBecomesScriptError(t *testing.T) {
	s := mustCompile(t, `return parse_hex("xyz")`)
	_, err := s.Run(context.Background(), Scope{})
	if err == nil {
		t.Fatalf("expected script error for invalid hex")
	}
}

func TestSleepMsClampsNegativeToZero(t *testing.T) {
	s := mustCompile(t, "sleep_ms(-10); return 1")
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, _ := result.AsF64()
	if f != 1 {
		t.Fatalf("negative sleep_ms should clamp to 0 and still return 1, got %v", f)
	}
}

func TestOperationLimitStopsExcessiveHelperCalls(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOperations = 5
	s, err := Compile("for i = 1, 1000 do abs(-1) end; return 1", limits)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = s.Run(context.Background(), Scope{})
	if err == nil {
		t.Fatalf("expected an operation-limit error from a loop that calls a helper 1000 times with a budget of 5")
	}
}

func TestOperationLimitDoesNotTripUnderBudget(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOperations = 10
	s, err := Compile("for i = 1, 3 do abs(-1) end; return 1", limits)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f, _ := result.AsF64(); f != 1 {
		t.Fatalf("got %v, want 1", f)
	}
}

func TestRunTimeoutCancelsLongRunningScript(t *testing.T) {
	s := mustCompile(t, "while true do end")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Run(ctx, Scope{})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestHexHelpers(t *testing.T) {
	s := mustCompile(t, `return to_hex_padded(255, 4)`)
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.String != "00ff" {
		t.Fatalf("got %q, want %q", result.String, "00ff")
	}
}

func TestClampHelper(t *testing.T) {
	s := mustCompile(t, "return clamp(100, 0, 10)")
	result, err := s.Run(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, _ := result.AsF64()
	if f != 10 {
		t.Fatalf("got %v, want 10", f)
	}
}
