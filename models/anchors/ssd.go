package anchors

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// SSDConfig holds the prior-box recipe of an SSD model.
type SSDConfig struct {
	// Std are the variances applied to the box deltas (x, y, w, h).
	Std [4]float32 `json:"std" yaml:"std"`
	// Offset is the cell-centre offset in units of the step.
	Offset float32 `json:"offset" yaml:"offset"`
	// Steps is the pixel step of each layer.
	Steps []float32 `json:"steps" yaml:"steps"`
	// Sizes holds the (min, max) prior size of each layer. A non-positive max
	// disables the sqrt(min*max) prior.
	Sizes [][2]float32 `json:"sizes" yaml:"sizes"`
	// Ratios holds up to four aspect ratios per layer. Zero entries are skipped.
	Ratios [][4]float32 `json:"ratios" yaml:"ratios"`
	// BackgroundIndex is the class channel holding the background score.
	BackgroundIndex int `json:"backgroundIndex" yaml:"backgroundIndex"`
	// ClassNum is the number of foreground classes.
	ClassNum int `json:"classNum" yaml:"classNum"`
}

// VOCSSDConfig returns the prior configuration of the 300x300 VOC SSD model.
func VOCSSDConfig() SSDConfig {
	return SSDConfig{
		Std:    [4]float32{0.1, 0.1, 0.2, 0.2},
		Offset: 0.5,
		Steps:  []float32{15, 30, 60, 100, 150, 300},
		Sizes: [][2]float32{
			{60, -1}, {105, 150}, {150, 195}, {195, 240}, {240, 285}, {285, 300},
		},
		Ratios: [][4]float32{
			{2, 0.5, 0, 0},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
		},
		BackgroundIndex: 0,
		ClassNum:        20,
	}
}

// Layers returns the number of output layers described by the config.
func (c *SSDConfig) Layers() int {
	return len(c.Steps)
}

// Validate checks that every per-layer table has one entry per layer.
func (c *SSDConfig) Validate() error {
	n := len(c.Steps)
	if n == 0 || len(c.Sizes) != n || len(c.Ratios) != n {
		return errors.Errorf("ssd config: %d steps, %d sizes, %d ratio sets", len(c.Steps), len(c.Sizes), len(c.Ratios))
	}
	if c.ClassNum <= 0 || c.BackgroundIndex < 0 || c.BackgroundIndex > c.ClassNum {
		return errors.Errorf("ssd config: background index %d with %d classes", c.BackgroundIndex, c.ClassNum)
	}
	return nil
}

// PerCell returns the number of priors emitted per grid cell for a layer.
func (c *SSDConfig) PerCell(layer int) int {
	n := 1
	if c.Sizes[layer][1] > 0 {
		n++
	}
	for _, r := range c.Ratios[layer] {
		if r != 0 {
			n++
		}
	}
	return n
}

// SSDPriors generates the priors of one layer in row-major cell order.
//
// Each cell emits a min-size square, a sqrt(min*max) square when the layer
// has a max size, then min*sqrt(r) x min/sqrt(r) for every non-zero ratio.
//
// Arguments:
//   - cfg: The prior recipe.
//   - key: The layer index and feature map size.
//
// Returns:
//   - []Anchor: h*w*PerCell(layer) priors.
func SSDPriors(cfg *SSDConfig, key Key) []Anchor {
	step := cfg.Steps[key.Layer]
	minSize := cfg.Sizes[key.Layer][0]
	maxSize := cfg.Sizes[key.Layer][1]
	ratios := cfg.Ratios[key.Layer]

	out := make([]Anchor, 0, key.H*key.W*cfg.PerCell(key.Layer))
	for i := 0; i < key.H; i++ {
		for j := 0; j < key.W; j++ {
			cy := (float32(i) + cfg.Offset) * step
			cx := (float32(j) + cfg.Offset) * step

			out = append(out, Anchor{CX: cx, CY: cy, W: minSize, H: minSize})
			if maxSize > 0 {
				s := math32.Sqrt(maxSize * minSize)
				out = append(out, Anchor{CX: cx, CY: cy, W: s, H: s})
			}
			for _, r := range ratios {
				if r == 0 {
					continue
				}
				sr := math32.Sqrt(r)
				out = append(out, Anchor{CX: cx, CY: cy, W: minSize * sr, H: minSize / sr})
			}
		}
	}
	return out
}
