package fare

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	// Two points a few kilometers apart in Ouagadougou.
	d := Distance(12.37, -1.52, 12.33, -1.49)
	if d < 5.4 || d > 5.6 {
		t.Fatalf("expected roughly 5.5 km, got %f", d)
	}
}

func TestDistanceZero(t *testing.T) {
	if d := Distance(12.37, -1.52, 12.37, -1.52); d != 0 {
		t.Fatalf("expected zero distance, got %f", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := Distance(12.37, -1.52, 12.33, -1.49)
	b := Distance(12.33, -1.49, 12.37, -1.52)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", a, b)
	}
}

func TestQuote(t *testing.T) {
	c := NewCalculator(1000, 500)

	distance, price := c.Quote(12.37, -1.52, 12.33, -1.49)
	if distance < 5.4 || distance > 5.6 {
		t.Fatalf("expected roughly 5.5 km, got %f", distance)
	}
	expected := 1000 + 500*distance
	if math.Abs(price-expected) > 3 {
		t.Fatalf("expected price near %f, got %f", expected, price)
	}
}

func TestQuoteZeroDistance(t *testing.T) {
	c := NewCalculator(1000, 500)

	distance, price := c.Quote(12.37, -1.52, 12.37, -1.52)
	if distance != 0 {
		t.Fatalf("expected zero distance, got %f", distance)
	}
	if price != 1000 {
		t.Fatalf("expected base price only, got %f", price)
	}
}
