package vm

import "math"

// ProcessDelay implements Delay(dst, input, time) (spec.md §4.5)
// directly over a function's state slice: the current state slice is
// treated as a ring buffer of delay_sizes[delay_site] float64 samples
// plus one trailing word holding the next write index. No separate
// heap-allocated ring buffer type exists because state storage already
// is the ring buffer; a dedicated type would just be a second copy of
// the same bytes.
//
// Written entirely against the standard library: no pack example
// offers a fixed-capacity interpolated sample ring buffer, and this
// one must share backing storage with StateStorage's raw []uint64, so
// an imported ring-buffer type would not fit regardless.
func ProcessDelay(slice []uint64, input, timeSamples float64) float64 {
	n := len(slice) - 1
	if n <= 0 {
		return 0
	}
	writeIdx := int(slice[n])
	if writeIdx < 0 || writeIdx >= n {
		writeIdx = 0
	}

	slice[writeIdx] = math.Float64bits(input)

	if timeSamples < 0 {
		timeSamples = 0
	}
	maxT := float64(n - 1)
	if timeSamples > maxT {
		timeSamples = maxT
	}

	t0 := int(timeSamples)
	frac := timeSamples - float64(t0)
	i0 := ((writeIdx-t0)%n + n) % n
	i1 := ((i0-1)%n + n) % n

	s0 := math.Float64frombits(slice[i0])
	s1 := math.Float64frombits(slice[i1])
	result := s0 + (s1-s0)*frac

	slice[n] = uint64((writeIdx + 1) % n)
	return result
}

// ProcessMem implements Mem(dst, src) (spec.md §4.5): emit the value
// stored from the previous invocation, then overwrite the cell with
// src.
func ProcessMem(slice []uint64, input float64) float64 {
	if len(slice) == 0 {
		return 0
	}
	prev := math.Float64frombits(slice[0])
	slice[0] = math.Float64bits(input)
	return prev
}
