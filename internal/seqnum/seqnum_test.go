package seqnum

import "testing"

func TestDistanceWraps(t *testing.T) {
	cases := []struct {
		a, b uint16
		want uint16
	}{
		{0, 0, 0},
		{0, 5, 5},
		{65530, 5, 11},
		{5, 0, 65531},
	}

	for _, c := range cases {
		if got := Distance(c.a, c.b); got != c.want {
			t.Errorf("Distance(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	if !InWindow(10, 5, 16) {
		t.Errorf("expected 10 in window [5,21)")
	}
	if InWindow(21, 5, 16) {
		t.Errorf("expected 21 outside window [5,21)")
	}
	if !InWindow(0, 65530, 16) {
		t.Errorf("expected wrap-around 0 in window starting at 65530")
	}
	if InWindow(10, 65530, 16) {
		t.Errorf("expected 10 outside window [65530, 65530+16)")
	}
}

func TestPrecedes(t *testing.T) {
	if !Precedes(5, 10) {
		t.Errorf("expected 5 to precede 10")
	}
	if Precedes(10, 5) {
		t.Errorf("expected 10 to not precede 5 within half-space")
	}
	if Precedes(5, 5) {
		t.Errorf("expected a sequence to not precede itself")
	}
}
