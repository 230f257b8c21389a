// Package images - Box geometry and image-space coordinate transforms.
package images

import "github.com/chewxy/math32"

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	// Xmin,Ymin is the top-left corner.
	Xmin float32 `json:"xmin" yaml:"xmin" msgpack:"xmin"`
	Ymin float32 `json:"ymin" yaml:"ymin" msgpack:"ymin"`
	// Xmax,Ymax is the bottom-right corner.
	Xmax float32 `json:"xmax" yaml:"xmax" msgpack:"xmax"`
	Ymax float32 `json:"ymax" yaml:"ymax" msgpack:"ymax"`
}

// Width returns the horizontal extent of the box. It is negative for inverted boxes.
func (b Box) Width() float32 {
	return b.Xmax - b.Xmin
}

// Height returns the vertical extent of the box. It is negative for inverted boxes.
func (b Box) Height() float32 {
	return b.Ymax - b.Ymin
}

// Area returns the area of the box, or 0 when the box is degenerate.
//
// Returns:
//   - float32: The area in square pixels.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Fit clamps the box to a width x height frame and rejects it when nothing
// of it remains inside: a non-positive right or bottom edge, or an inverted
// extent after clamping.
//
// Arguments:
//   - width: The frame width in pixels.
//   - height: The frame height in pixels.
//
// Returns:
//   - Box: The clamped box.
//   - bool: False when the box was rejected.
func (b Box) Fit(width, height int) (Box, bool) {
	c := Box{
		Xmin: math32.Max(b.Xmin, 0),
		Ymin: math32.Max(b.Ymin, 0),
		Xmax: math32.Min(b.Xmax, float32(width-1)),
		Ymax: math32.Min(b.Ymax, float32(height-1)),
	}
	if c.Xmax <= 0 || c.Ymax <= 0 || c.Xmin > c.Xmax || c.Ymin > c.Ymax {
		return Box{}, false
	}
	return c, true
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// IoU is the overlap ratio used as the similarity metric by
// non-maximum suppression:
//
//	IoU = Area(A ∩ B) / (Area(A) + Area(B) - Area(A ∩ B))
//
// A value of 1.0 means the boxes are identical and 0.0 means they do not
// overlap. Boxes that only touch along an edge have an empty intersection.
//
// Arguments:
//   - r: The first box.
//   - o: The box to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0 representing the IoU score.
//
// Example Usage:
// ```go
//
//	a := Box{Xmin: 0, Ymin: 0, Xmax: 10, Ymax: 10}
//	b := Box{Xmin: 5, Ymin: 5, Xmax: 15, Ymax: 15}
//
//	fmt.Printf("%f\n", CalculateIoU(a, b)) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Box) float32 {
	return IoUWithAreas(r, o, r.Area(), o.Area())
}

// IoUWithAreas computes IoU from boxes whose areas were already computed.
//
// Suppression loops call this with areas computed once per box. The
// intersection is only evaluated when it has a positive width and height;
// a zero union yields 0.
//
// Arguments:
//   - r: The first box.
//   - o: The second box.
//   - areaR: The area of r.
//   - areaO: The area of o.
//
// Returns:
//   - float32: The IoU score.
func IoUWithAreas(r, o Box, areaR, areaO float32) float32 {
	ix1 := math32.Max(r.Xmin, o.Xmin)
	iy1 := math32.Max(r.Ymin, o.Ymin)
	ix2 := math32.Min(r.Xmax, o.Xmax)
	iy2 := math32.Min(r.Ymax, o.Ymax)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := areaR + areaO - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
