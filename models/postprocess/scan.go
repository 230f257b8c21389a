package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
)

// ArgMax returns the position and value of the largest of n samples read at
// base, base+step, ... and dequantized as channels ch0, ch0+1, ...
// The first maximum wins.
//
// Arguments:
//   - s: The typed samples.
//   - base: The flat index of the first sample.
//   - step: The flat distance between consecutive channels.
//   - ch0: The channel index of the first sample.
//   - n: The number of samples.
//
// Returns:
//   - int: The position of the maximum in [0, n).
//   - float32: The dequantized maximum.
func ArgMax[T tensors.Number, D tensors.Dequantizer[T]](s tensors.Samples[T, D], base, step, ch0, n int) (int, float32) {
	best := 0
	bestValue := math32.Inf(-1)
	for c := 0; c < n; c++ {
		v := s.At(base+c*step, ch0+c)
		if v > bestValue {
			bestValue = v
			best = c
		}
	}
	return best, bestValue
}
