package tensors

// Number is the set of element types a View can hold.
type Number interface {
	~float32 | ~int8 | ~int16 | ~int32
}

// Dequantizer converts a raw sample of channel ch into a float.
//
// Decoders select a Dequantizer once per tensor and pass it as a type
// parameter to their inner loop, so the loop body never branches on the
// quantization mode.
type Dequantizer[T Number] interface {
	Value(raw T, ch int) float32
}

// Dequantize returns float32(raw) * scale with no further rounding.
//
// Arguments:
//   - raw: The integer sample.
//   - scale: The channel scale.
//
// Returns:
//   - float32: The dequantized value.
func Dequantize[T Number](raw T, scale float32) float32 {
	return float32(raw) * scale
}

// Plain reads samples that are already floats.
type Plain[T Number] struct{}

// Value returns raw as a float32.
func (Plain[T]) Value(raw T, _ int) float32 {
	return float32(raw)
}

// PerChannel scales each sample by the scale of its channel.
type PerChannel[T Number] struct {
	Scales []float32
}

// Value returns raw * Scales[ch].
func (d PerChannel[T]) Value(raw T, ch int) float32 {
	return Dequantize(raw, d.Scales[ch])
}

// PerChannelOf returns the per-channel dequantizer of a QuantScale view.
// A single tensor-wide scale is broadcast to every aligned channel so that
// callers can index it by channel.
//
// Arguments:
//   - v: The quantized view.
//
// Returns:
//   - PerChannel[T]: The dequantizer.
func PerChannelOf[T Number](v *View) PerChannel[T] {
	if len(v.scales) != 1 {
		return PerChannel[T]{Scales: v.scales}
	}
	n := max(v.AlignedC(), 1)
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = v.scales[0]
	}
	return PerChannel[T]{Scales: scales}
}

// Scale returns the scale for channel ch, broadcasting a tensor-wide scale.
// It returns 1 for unquantized views.
func (v *View) Scale(ch int) float32 {
	switch {
	case v.quant != QuantScale:
		return 1
	case len(v.scales) == 1:
		return v.scales[0]
	default:
		return v.scales[ch]
	}
}
