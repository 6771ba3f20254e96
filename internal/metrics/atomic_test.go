package metrics

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestAtomicSubSaturating(t *testing.T) {
	testCases := []struct {
		name     string
		initial  int64
		delta    int64
		expected int64
	}{
		{"normal subtraction", 100, 50, 50},
		{"exact to zero", 100, 100, 0},
		{"saturating at zero", 100, 150, 0},
		{"zero minus value", 0, 50, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var value atomic.Int64
			value.Store(tc.initial)
			result := atomicSubSaturating(&value, tc.delta)

			if result != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, result)
			}
			if value.Load() != tc.expected {
				t.Errorf("value expected %d, got %d", tc.expected, value.Load())
			}
		})
	}
}

func TestGaugeConcurrent(t *testing.T) {
	var g Gauge
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Inc()
			}
		}()
	}
	wg.Wait()

	// More decrements than increments must stop at zero.
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Dec()
			}
		}()
	}
	wg.Wait()

	if got := g.Load(); got != 0 {
		t.Errorf("Load() = %d, want 0", got)
	}
}

func TestUCounter(t *testing.T) {
	var c UCounter
	if got := c.Inc(); got != 1 {
		t.Errorf("Inc() = %d, want 1", got)
	}
	if got := c.Add(9); got != 10 {
		t.Errorf("Add(9) = %d, want 10", got)
	}
	if got := c.Load(); got != 10 {
		t.Errorf("Load() = %d, want 10", got)
	}
}
