package postprocess

import (
	"math"

	"github.com/chewxy/math32"
)

// ExpFunc computes e^x.
type ExpFunc func(x float32) float32

// ExpStrategy selects how exponentials are evaluated while decoding.
//
// ExpFast trades accuracy for speed. Its relative error is a few percent,
// so candidates close to the score threshold can pass or fail differently
// than with ExpExact. Results are therefore not bit-identical across
// strategies or across platforms that pick different defaults.
type ExpStrategy int

const (
	// ExpExact uses math32.Exp.
	ExpExact ExpStrategy = iota
	// ExpFast uses the FastExp bit-manipulation approximation.
	ExpFast
)

// String returns the strategy name.
func (s ExpStrategy) String() string {
	if s == ExpFast {
		return "fast"
	}
	return "exact"
}

// Func returns the exponential implementation for the strategy.
func (s ExpStrategy) Func() ExpFunc {
	if s == ExpFast {
		return FastExp
	}
	return math32.Exp
}

// SigmoidFunc returns 1/(1+exp(-x)) bound to the strategy's exponential.
// Resolve it once per layer, outside the element loop.
func (s ExpStrategy) SigmoidFunc() func(x float32) float32 {
	if s == ExpFast {
		return func(x float32) float32 { return 1 / (1 + FastExp(-x)) }
	}
	return Sigmoid
}

const (
	fastExpA = 12102203.1616540672
	fastExpB = 1064807160.56887296
	infBits  = 0x7f800000
)

// FastExp approximates e^x by writing a linear function of x straight into
// the bits of an IEEE-754 float32.
//
// Arguments:
//   - x: The exponent.
//
// Returns:
//   - float32: The approximation. Underflow returns 0 and overflow +Inf.
func FastExp(x float32) float32 {
	bits := fastExpA*x + fastExpB
	if bits <= 0 {
		return 0
	}
	if bits >= infBits {
		return math32.Inf(1)
	}
	return math.Float32frombits(uint32(bits))
}

// Sigmoid returns 1/(1+exp(-x)) with the exact exponential.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Logit returns the inverse sigmoid ln(p/(1-p)).
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}
