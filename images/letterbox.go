package images

// Letterbox describes how an original image was fitted to the model input,
// either by plain resizing or by aspect-preserving resize plus centred padding.
type Letterbox struct {
	// ModelWidth is the width of the model input.
	ModelWidth int `json:"modelWidth" yaml:"modelWidth"`
	// ModelHeight is the height of the model input.
	ModelHeight int `json:"modelHeight" yaml:"modelHeight"`
	// OriWidth is the width of the original image.
	OriWidth int `json:"oriWidth" yaml:"oriWidth"`
	// OriHeight is the height of the original image.
	OriHeight int `json:"oriHeight" yaml:"oriHeight"`
	// Pad is true when the image was letterboxed (pad-resize).
	Pad bool `json:"pad" yaml:"pad"`
}

// Ratios returns the horizontal and vertical resize ratios (model / original).
// With padding both ratios collapse to the smaller one.
//
// Returns:
//   - float64: The horizontal ratio.
//   - float64: The vertical ratio.
func (l Letterbox) Ratios() (float64, float64) {
	wr := float64(l.ModelWidth) / float64(l.OriWidth)
	hr := float64(l.ModelHeight) / float64(l.OriHeight)
	if l.Pad {
		r := min(wr, hr)
		return r, r
	}
	return wr, hr
}

// Padding returns the horizontal and vertical padding added on each side of
// the resized image. It is zero for plain resizing.
//
// Returns:
//   - float64: The horizontal padding in model pixels.
//   - float64: The vertical padding in model pixels.
func (l Letterbox) Padding() (float64, float64) {
	wr, hr := l.Ratios()
	return (float64(l.ModelWidth) - wr*float64(l.OriWidth)) / 2,
		(float64(l.ModelHeight) - hr*float64(l.OriHeight)) / 2
}

// toModel maps a box from original image space into model input space.
func (l Letterbox) toModel(b Box) Box {
	wr, hr := l.Ratios()
	pw, ph := l.Padding()
	return Box{
		Xmin: float32(float64(b.Xmin)*wr + pw),
		Ymin: float32(float64(b.Ymin)*hr + ph),
		Xmax: float32(float64(b.Xmax)*wr + pw),
		Ymax: float32(float64(b.Ymax)*hr + ph),
	}
}

// ToOriginal maps a box from model input space back to original image space.
//
// The padding is subtracted and the resize ratio divided out. Boxes that are
// inverted or lie completely outside the original frame are rejected; the
// remaining boxes are clamped to [0, OriWidth-1] x [0, OriHeight-1].
//
// Arguments:
//   - b: The box in model input pixels.
//
// Returns:
//   - Box: The box in original image pixels.
//   - bool: False when the box was rejected.
//
// Example Usage:
// ```go
//
//	lb := Letterbox{ModelWidth: 640, ModelHeight: 640, OriWidth: 1280, OriHeight: 720, Pad: true}
//	box, ok := lb.ToOriginal(Box{Xmin: 0, Ymin: 140, Xmax: 64, Ymax: 204})
//	// ratio 0.5, vertical padding 140: box = {0, 0, 128, 128}, ok = true
//
// ```
func (l Letterbox) ToOriginal(b Box) (Box, bool) {
	xmin, ymin, xmax, ymax := l.inverse(b)

	maxX := float64(l.OriWidth) - 1
	maxY := float64(l.OriHeight) - 1

	if xmax <= 0 || ymax <= 0 || xmin > maxX || ymin > maxY {
		return Box{}, false
	}
	if xmax <= xmin || ymax <= ymin {
		return Box{}, false
	}

	return Box{
		Xmin: float32(max(xmin, 0)),
		Ymin: float32(max(ymin, 0)),
		Xmax: float32(min(xmax, maxX)),
		Ymax: float32(min(ymax, maxY)),
	}, true
}

// Inverse maps a box from model input space to original image space
// without rejecting or clamping it.
func (l Letterbox) Inverse(b Box) Box {
	xmin, ymin, xmax, ymax := l.inverse(b)
	return Box{Xmin: float32(xmin), Ymin: float32(ymin), Xmax: float32(xmax), Ymax: float32(ymax)}
}

func (l Letterbox) inverse(b Box) (float64, float64, float64, float64) {
	wr, hr := l.Ratios()
	pw, ph := l.Padding()
	return (float64(b.Xmin) - pw) / wr,
		(float64(b.Ymin) - ph) / hr,
		(float64(b.Xmax) - pw) / wr,
		(float64(b.Ymax) - ph) / hr
}
