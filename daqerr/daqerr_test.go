package daqerr

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := New(Parse, "pattern did not match").WithCommand("read_temp").WithRetries(2)
	got := e.Error()
	want := "Parse: pattern did not match (command=read_temp) (retries=2)"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("eof")
	e := Wrap(Transport, cause, "read failed")
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestIsKind(t *testing.T) {
	e := New(Timeout, "deadline exceeded")
	if !IsKind(e, Timeout) {
		t.Fatalf("IsKind(Timeout) = false, want true")
	}
	if IsKind(e, Parse) {
		t.Fatalf("IsKind(Parse) = true, want false")
	}
	if IsKind(errors.New("plain"), Timeout) {
		t.Fatalf("IsKind on a plain error should be false")
	}
}

func TestNewDeviceSeverityString(t *testing.T) {
	d := NewDevice("E01", "overtemp", "device overtemperature", SeverityFatal, false)
	if d.Severity.String() != "fatal" {
		t.Fatalf("Severity.String() = %q, want fatal", d.Severity.String())
	}
	if d.Recoverable {
		t.Fatalf("expected Recoverable = false")
	}
}
