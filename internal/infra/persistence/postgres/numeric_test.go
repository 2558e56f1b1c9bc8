package postgres

import (
	"math"
	"testing"
)

func TestNumericFromFloat(t *testing.T) {
	n, err := numericFromFloat(3500.25)
	if err != nil {
		t.Fatalf("numeric: %v", err)
	}
	f, err := n.Float64Value()
	if err != nil || f.Float64 != 3500.25 {
		t.Fatalf("expected 3500.25, got %v (%v)", f.Float64, err)
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.MaxFloat64} {
		n, err := numericFromFloat(v)
		if err != nil {
			t.Fatalf("numeric %v: %v", v, err)
		}
		f, _ := n.Float64Value()
		if f.Float64 != 0 {
			t.Fatalf("expected sentinel %v to map to zero, got %v", v, f.Float64)
		}
	}
	if _, err := numericFromString(" "); err == nil {
		t.Fatalf("expected empty numeric error")
	}
}
