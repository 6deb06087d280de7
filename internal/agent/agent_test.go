package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad payload")

	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Fatal("wrapped error not recognized as permanent")
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its cause")
	}
	// Permanence survives further wrapping.
	if !IsPermanent(fmt.Errorf("context: %w", err)) {
		t.Fatal("permanence lost through fmt.Errorf wrapping")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported as permanent")
	}
}

func TestResultInt(t *testing.T) {
	t.Parallel()
	r := Result{Detail: map[string]any{
		"a": 3,
		"b": int64(4),
		"c": float64(5), // what survives a JSON round trip
		"d": "not a number",
	}}
	tests := []struct {
		key  string
		want int
	}{
		{"a", 3}, {"b", 4}, {"c", 5}, {"d", 0}, {"missing", 0},
	}
	for _, tt := range tests {
		if got := r.Int(tt.key); got != tt.want {
			t.Fatalf("Int(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestStageKinds(t *testing.T) {
	t.Parallel()
	for _, stage := range []string{StageDiscovery, StageAnalysis, StageComposition} {
		if got := StageKinds(stage); len(got) != 3 {
			t.Fatalf("StageKinds(%s) = %v, want 3 kinds", stage, got)
		}
	}
	if got := StageKinds("warehouse"); got != nil {
		t.Fatalf("StageKinds(unknown) = %v, want nil", got)
	}
}
