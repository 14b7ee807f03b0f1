package lb

import "testing"

func TestRequestCounterRollWindow(t *testing.T) {
	c := &requestCounter{}
	c.add(5)
	if got := c.currentWindowTicks.Load(); got != 5*tickScale {
		t.Fatalf("currentWindowTicks = %d, want %d", got, 5*tickScale)
	}
	c.rollWindow()
	if got := c.currentWindowTicks.Load(); got != 0 {
		t.Fatalf("currentWindowTicks after roll = %d, want 0", got)
	}
	if got := c.previousWindowTicks.Load(); got != 5*tickScale {
		t.Fatalf("previousWindowTicks after roll = %d, want %d", got, 5*tickScale)
	}
}

func TestRequestCounterRPS(t *testing.T) {
	c := &requestCounter{}
	c.add(10)
	c.rollWindow()
	got := c.rps(RPSWindow)
	want := 10.0 / RPSWindow.Seconds()
	if got != want {
		t.Fatalf("rps() = %f, want %f", got, want)
	}
}

func TestRequestCounterBigReset(t *testing.T) {
	c := &requestCounter{}
	c.add(3)
	if got := c.resetBigReset(); got != 3*tickScale {
		t.Fatalf("resetBigReset() = %d, want %d", got, 3*tickScale)
	}
	if got := c.resetBigReset(); got != 0 {
		t.Fatalf("resetBigReset() after reset = %d, want 0", got)
	}
}
