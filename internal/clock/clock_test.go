package clock

import (
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	c := NewManual(1_700_000_000)

	if got := c.NowAsSecondsSinceEpoch(); got != 1_700_000_000 {
		t.Errorf("Expected 1700000000, got %d", got)
	}

	c.Advance(90 * time.Second)
	if got := c.NowAsSecondsSinceEpoch(); got != 1_700_000_090 {
		t.Errorf("Expected 1700000090 after Advance, got %d", got)
	}

	c.Set(42)
	if got := Time(c); !got.Equal(time.Unix(42, 0)) {
		t.Errorf("Expected Time() to be unix 42, got %v", got)
	}
}

func TestSystemClock(t *testing.T) {
	before := time.Now().Unix()
	got := System{}.NowAsSecondsSinceEpoch()
	after := time.Now().Unix()

	if got < before || got > after {
		t.Errorf("System clock %d outside [%d, %d]", got, before, after)
	}
}
