package solver

import "testing"

func TestResultOkMatch(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() {
		t.Fatal("expected IsOk")
	}
	var got int
	r.Match(
		func(v int) { got = v },
		func(Status, int) { t.Fatal("unexpected warn branch") },
		func(FatalKind) { t.Fatal("unexpected fatal branch") },
	)
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestResultWarnKeepsLastKnownValue(t *testing.T) {
	r := Warn(StatusOtherError, 7)
	if !r.IsWarn() {
		t.Fatal("expected IsWarn")
	}
	if r.Value() != 7 {
		t.Fatalf("Value() = %d, want 7", r.Value())
	}
	if r.WarnStatus() != StatusOtherError {
		t.Fatalf("WarnStatus() = %v, want StatusOtherError", r.WarnStatus())
	}
}

func TestResultFatalHasNoValue(t *testing.T) {
	r := Fatal[int](FatalSingularLaplacian)
	if !r.IsFatal() {
		t.Fatal("expected IsFatal")
	}
	if r.Value() != 0 {
		t.Fatalf("Value() = %d, want zero value", r.Value())
	}
	if r.FatalKind() != FatalSingularLaplacian {
		t.Fatalf("FatalKind() = %v, want FatalSingularLaplacian", r.FatalKind())
	}
}
