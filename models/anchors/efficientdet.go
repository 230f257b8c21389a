package anchors

import (
	"math"

	"github.com/pkg/errors"
)

// EfficientDetConfig holds the anchor recipe of an EfficientDet model.
type EfficientDetConfig struct {
	// Scales are the anchor scales of each layer.
	Scales [][]float64 `json:"scales" yaml:"scales"`
	// Ratios are the aspect ratios shared by every layer.
	Ratios []float64 `json:"ratios" yaml:"ratios"`
	// Strides is the pixel stride of each layer.
	Strides []int `json:"strides" yaml:"strides"`
}

// DefaultEfficientDetConfig returns the five-layer D0 anchor recipe.
func DefaultEfficientDetConfig() EfficientDetConfig {
	scales := []float64{4.0, 5.039684199579493, 6.3496042078727974}
	return EfficientDetConfig{
		Scales:  [][]float64{scales, scales, scales, scales, scales},
		Ratios:  []float64{0.5, 1, 2},
		Strides: []int{8, 16, 32, 64, 128},
	}
}

// Layers returns the number of output layers described by the config.
func (c *EfficientDetConfig) Layers() int {
	return len(c.Strides)
}

// PerCell returns the number of anchors per grid cell of a layer.
func (c *EfficientDetConfig) PerCell(layer int) int {
	return len(c.Ratios) * len(c.Scales[layer])
}

// Validate checks that every layer has a scale set.
func (c *EfficientDetConfig) Validate() error {
	if len(c.Strides) == 0 || len(c.Scales) != len(c.Strides) || len(c.Ratios) == 0 {
		return errors.Errorf("efficientdet config: %d strides, %d scale sets, %d ratios", len(c.Strides), len(c.Scales), len(c.Ratios))
	}
	return nil
}

// BaseBox is a corner-form anchor at the origin tile.
type BaseBox struct {
	X1, Y1, X2, Y2 float64
}

// EfficientDetBase computes the base anchors of one tile, ratio-major.
//
// For each ratio and scale: size_ratio = floor(stride^2 / ratio),
// new_w = floor(sqrt(size_ratio) + 0.5) * scale and
// new_h = floor(new_w / scale * ratio + 0.5) * scale, centred at
// 0.5 * (stride - 1).
//
// Arguments:
//   - stride: The layer stride.
//   - scales: The layer scales.
//   - ratios: The aspect ratios.
//
// Returns:
//   - []BaseBox: len(ratios)*len(scales) base anchors.
func EfficientDetBase(stride int, scales, ratios []float64) []BaseBox {
	size := float64(stride * stride)
	ctr := 0.5 * (float64(stride) - 1)

	out := make([]BaseBox, 0, len(ratios)*len(scales))
	for _, ratio := range ratios {
		for _, scale := range scales {
			sizeRatio := math.Floor(size / ratio)
			newW := math.Floor(math.Sqrt(sizeRatio)+0.5) * scale
			newH := math.Floor(newW/scale*ratio+0.5) * scale
			out = append(out, BaseBox{
				X1: ctr - 0.5*(newW-1),
				Y1: ctr - 0.5*(newH-1),
				X2: ctr + 0.5*(newW-1),
				Y2: ctr + 0.5*(newH-1),
			})
		}
	}
	return out
}

// EfficientDetAnchors translates the base anchors across every cell of a
// layer and converts them to centre/size form with inclusive widths.
//
// Arguments:
//   - cfg: The anchor recipe.
//   - key: The layer index and feature map size.
//
// Returns:
//   - []Anchor: h*w*PerCell(layer) anchors in row-major cell order.
func EfficientDetAnchors(cfg *EfficientDetConfig, key Key) []Anchor {
	stride := cfg.Strides[key.Layer]
	base := EfficientDetBase(stride, cfg.Scales[key.Layer], cfg.Ratios)

	out := make([]Anchor, 0, key.H*key.W*len(base))
	for i := 0; i < key.H; i++ {
		for j := 0; j < key.W; j++ {
			oy := float32(i * stride)
			ox := float32(j * stride)
			for _, b := range base {
				x1 := float32(b.X1) + ox
				y1 := float32(b.Y1) + oy
				x2 := float32(b.X2) + ox
				y2 := float32(b.Y2) + oy
				w := x2 - x1 + 1
				h := y2 - y1 + 1
				out = append(out, Anchor{
					CX: x1 + 0.5*(w-1),
					CY: y1 + 0.5*(h-1),
					W:  w,
					H:  h,
				})
			}
		}
	}
	return out
}
