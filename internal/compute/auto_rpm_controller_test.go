package compute

import (
	"errors"
	"testing"
)

func TestAutoRPMControllerStartsAtMax(t *testing.T) {
	var applied []int
	c := NewAutoRPMController(DefaultAutoRPMConfig(), func(n int) { applied = append(applied, n) })

	if got := c.CurrentRPM(); got != 20000 {
		t.Errorf("CurrentRPM = %d, want 20000", got)
	}
	if len(applied) != 1 || applied[0] != 20000 {
		t.Errorf("applied = %v, want [20000]", applied)
	}
}

func TestAutoRPMControllerBacksOffOn429(t *testing.T) {
	var applied []int
	c := NewAutoRPMController(DefaultAutoRPMConfig(), func(n int) { applied = append(applied, n) })

	c.Observe(errors.New("max retries exceeded: status 429"))
	c.step()

	// floor(20000 * 0.6) = 12000
	if got := c.CurrentRPM(); got != 12000 {
		t.Errorf("CurrentRPM after 429 = %d, want 12000", got)
	}
	if applied[len(applied)-1] != 12000 {
		t.Errorf("limiter was not re-applied, applied = %v", applied)
	}
}

func TestAutoRPMControllerHoldsWhenHealthyAtMax(t *testing.T) {
	var applied []int
	c := NewAutoRPMController(DefaultAutoRPMConfig(), func(n int) { applied = append(applied, n) })

	for i := 0; i < 5; i++ {
		c.Observe(nil)
	}
	c.step()

	if got := c.CurrentRPM(); got != 20000 {
		t.Errorf("CurrentRPM = %d, want 20000", got)
	}
	// Only the initial apply; holding must not touch the limiter again.
	if len(applied) != 1 {
		t.Errorf("applied = %v, want a single initial apply", applied)
	}
}

func TestAutoRPMControllerSlowStartAfterBackoff(t *testing.T) {
	c := NewAutoRPMController(DefaultAutoRPMConfig(), nil)

	c.Observe(errors.New("max retries exceeded: status 429"))
	c.step()
	if got := c.CurrentRPM(); got != 12000 {
		t.Fatalf("CurrentRPM after 429 = %d, want 12000", got)
	}

	// Below SlowStartUntilRPM the ramp doubles, clamped to the max.
	c.Observe(nil)
	c.step()
	if got := c.CurrentRPM(); got != 20000 {
		t.Errorf("CurrentRPM after recovery = %d, want 20000", got)
	}
}

func TestAutoRPMControllerIdleWindowHolds(t *testing.T) {
	c := NewAutoRPMController(DefaultAutoRPMConfig(), nil)

	c.Observe(errors.New("max retries exceeded: status 429"))
	c.step()
	before := c.CurrentRPM()

	// An empty window is not evidence of health; stay put.
	c.step()
	if got := c.CurrentRPM(); got != before {
		t.Errorf("CurrentRPM after idle window = %d, want %d", got, before)
	}
}
