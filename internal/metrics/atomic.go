package metrics

import "sync/atomic"

// atomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
func atomicSubSaturating(addr *atomic.Int64, delta int64) int64 {
	for {
		current := addr.Load()
		newVal := max(current-delta, 0)
		if addr.CompareAndSwap(current, newVal) {
			return newVal
		}
	}
}

// Gauge is an atomic signed value that never drops below zero through Dec.
type Gauge struct {
	value atomic.Int64
}

// Inc increments by 1 and returns the new value.
func (g *Gauge) Inc() int64 {
	return g.value.Add(1)
}

// Dec decrements by 1, saturating at 0.
func (g *Gauge) Dec() int64 {
	return atomicSubSaturating(&g.value, 1)
}

// Load returns the current value.
func (g *Gauge) Load() int64 {
	return g.value.Load()
}

// UCounter is a monotonically increasing atomic counter.
type UCounter struct {
	value atomic.Uint64
}

// Inc increments by 1 and returns the new value.
func (c *UCounter) Inc() uint64 {
	return c.value.Add(1)
}

// Add adds delta and returns the new value.
func (c *UCounter) Add(delta uint64) uint64 {
	return c.value.Add(delta)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return c.value.Load()
}
