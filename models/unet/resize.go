package unet

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
)

// Resize scales a label map to width x height with nearest-neighbour
// sampling, so every output label is one of the input labels.
//
// Upscaling goes through nfnt/resize on a 16-bit grey image. Its nearest
// filter averages the covered pixels when shrinking, which would invent
// labels, so shrinking samples the pixel under each output centre instead.
//
// Arguments:
//   - m: The label map.
//   - width: The target width.
//   - height: The target height.
//
// Returns:
//   - *postprocess.SegmentationMap: The resized map. m itself when the size
//     is unchanged.
//   - error: model.ErrInvalidConfig for a non-positive size or labels that
//     do not fit in 16 bits.
func Resize(m *postprocess.SegmentationMap, width, height int) (*postprocess.SegmentationMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "unet: resize to %dx%d", width, height)
	}
	if m.NumClasses > math.MaxUint16+1 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "unet: %d classes do not fit a 16-bit label image", m.NumClasses)
	}
	if width == m.Width && height == m.Height {
		return m, nil
	}

	out := &postprocess.SegmentationMap{
		Labels:     make([]int, width*height),
		Width:      width,
		Height:     height,
		NumClasses: m.NumClasses,
	}

	if width < m.Width || height < m.Height {
		for y := 0; y < height; y++ {
			sy := (2*y + 1) * m.Height / (2 * height)
			for x := 0; x < width; x++ {
				sx := (2*x + 1) * m.Width / (2 * width)
				out.Labels[y*width+x] = m.Labels[sy*m.Width+sx]
			}
		}
		return out, nil
	}

	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for i, id := range m.Labels {
		src.SetGray16(i%m.Width, i/m.Width, color.Gray16{Y: uint16(id)})
	}
	dst := resize.Resize(uint(width), uint(height), src, resize.NearestNeighbor)
	b := dst.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Labels[y*width+x] = int(g.Y)
		}
	}
	return out, nil
}
