package fcos

import (
	"context"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{Strides: []int{8}, ClassNum: 2, CrossClass: true}
}

func nhwc(t *testing.T, shape tensors.Shape, data []float32) *tensors.View {
	t.Helper()
	v, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: shape, Data: data})
	require.NoError(t, err)
	return v
}

// overlapping returns a 1x2 grid where both cells predict the same 16x8
// box, class 0 in the first cell and class 1 in the second.
func overlapping(t *testing.T) []*tensors.View {
	cls := nhwc(t, tensors.Shape{1, 1, 2, 2}, []float32{3, -5, -5, 2})
	box := nhwc(t, tensors.Shape{1, 1, 2, 4}, []float32{4, 4, 12, 4, 12, 4, 4, 4})
	ce := nhwc(t, tensors.Shape{1, 1, 2, 1}, []float32{3, 3})
	return []*tensors.View{cls, box, ce}
}

// TestDecodeScore validates the centerness-weighted score and the edge
// distances measured from the cell centre.
func TestDecodeScore(t *testing.T) {
	p := testParams()
	p.CrossClass = false
	d, err := New(p, model.Options{})
	require.NoError(t, err)

	cfg := model.DefaultConfig(16, 16)
	out, err := d.Decode(context.Background(), overlapping(t), &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 2)

	first := out.Detections[0]
	assert.Equal(t, 0, first.Class)
	assert.InDelta(t, postprocess.Sigmoid(3), first.Score, 1e-5)
	assert.InDelta(t, 0, first.Box.Xmin, 1e-4)
	assert.InDelta(t, 0, first.Box.Ymin, 1e-4)
	assert.InDelta(t, 16, first.Box.Xmax, 1e-4)
	assert.InDelta(t, 8, first.Box.Ymax, 1e-4)

	second := out.Detections[1]
	assert.Equal(t, 1, second.Class)
	assert.InDelta(t, 0.9160, second.Score, 1e-3)
}

// TestDecodeCrossClass validates that identical boxes of different classes
// suppress each other only when CrossClass is set.
func TestDecodeCrossClass(t *testing.T) {
	d, err := New(testParams(), model.Options{})
	require.NoError(t, err)

	cfg := model.DefaultConfig(16, 16)
	out, err := d.Decode(context.Background(), overlapping(t), &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)
	assert.Equal(t, 0, out.Detections[0].Class)
}

// TestDecodeCenterness validates that a confident class logit with a low
// centerness does not pass.
func TestDecodeCenterness(t *testing.T) {
	d, err := New(testParams(), model.Options{})
	require.NoError(t, err)

	cls := nhwc(t, tensors.Shape{1, 1, 1, 2}, []float32{5, -5})
	box := nhwc(t, tensors.Shape{1, 1, 1, 4}, []float32{4, 4, 4, 4})
	ce := nhwc(t, tensors.Shape{1, 1, 1, 1}, []float32{-5})

	cfg := model.DefaultConfig(8, 8)
	out, err := d.Decode(context.Background(), []*tensors.View{cls, box, ce}, &cfg)
	require.NoError(t, err)
	assert.Empty(t, out.Detections)
}

// TestDecodeMapping validates stride-unit offsets, clamping of negative
// distances and the resize back to the original image.
func TestDecodeMapping(t *testing.T) {
	p := testParams()
	p.OffsetsInStrides = true
	d, err := New(p, model.Options{})
	require.NoError(t, err)

	cls := nhwc(t, tensors.Shape{1, 1, 1, 2}, []float32{4, -4})
	box := nhwc(t, tensors.Shape{1, 1, 1, 4}, []float32{0.5, -1, 0.5, 0.5})
	ce := nhwc(t, tensors.Shape{1, 1, 1, 1}, []float32{4})

	cfg := model.DefaultConfig(16, 16)
	cfg.OriWidth, cfg.OriHeight = 32, 64
	out, err := d.Decode(context.Background(), []*tensors.View{cls, box, ce}, &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)

	// Centre (4, 4); distances (4, 0, 4, 4); ratios 0.5 and 0.25.
	b := out.Detections[0].Box
	assert.InDelta(t, 0, b.Xmin, 1e-4)
	assert.InDelta(t, 16, b.Ymin, 1e-4)
	assert.InDelta(t, 16, b.Xmax, 1e-4)
	assert.InDelta(t, 32, b.Ymax, 1e-4)
}

// quantPair returns an NCHW int32 view with a padded width and the float
// NHWC view holding its dequantized valid region.
func quantPair(t *testing.T, r *rand.Rand, c, h, w, aw int, scales []float32) (*tensors.View, *tensors.View) {
	t.Helper()
	scale := func(ch int) float32 {
		if len(scales) == 1 {
			return scales[0]
		}
		return scales[ch]
	}

	raw := make([]int32, c*h*aw)
	dense := make([]float32, h*w*c)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < aw; x++ {
				v := int32(r.Intn(600) - 300)
				raw[(ch*h+y)*aw+x] = v
				if x < w {
					dense[(y*w+x)*c+ch] = tensors.Dequantize(v, scale(ch))
				}
			}
		}
	}

	quant, err := tensors.NewView(tensors.NewViewArgs{
		Layout:  tensors.LayoutNCHW,
		Valid:   tensors.Shape{1, c, h, w},
		Aligned: tensors.Shape{1, c, h, aw},
		Quant:   tensors.QuantScale,
		Scales:  scales,
		Data:    raw,
	})
	require.NoError(t, err)
	return quant, nhwc(t, tensors.Shape{1, h, w, c}, dense)
}

// TestDecodeQuantizedNCHW validates the int32 channel-first path with a
// padded width against the float channel-last path.
func TestDecodeQuantizedNCHW(t *testing.T) {
	p := testParams()
	p.CrossClass = false
	d, err := New(p, model.Options{})
	require.NoError(t, err)

	const h, w, aw = 3, 3, 4
	r := rand.New(rand.NewSource(5))
	qCls, fCls := quantPair(t, r, 2, h, w, aw, []float32{0.01, 0.02})
	qBox, fBox := quantPair(t, r, 4, h, w, aw, []float32{0.05, 0.05, 0.1, 0.1})
	qCe, fCe := quantPair(t, r, 1, h, w, aw, []float32{0.01})

	cfg := model.DefaultConfig(24, 24)
	cfg.ScoreThreshold = 0.3
	want, err := d.Decode(context.Background(), []*tensors.View{fCls, fBox, fCe}, &cfg)
	require.NoError(t, err)
	got, err := d.Decode(context.Background(), []*tensors.View{qCls, qBox, qCe}, &cfg)
	require.NoError(t, err)

	require.NotEmpty(t, want.Detections)
	assert.Equal(t, want, got)
}

// TestDecodeMalformed validates shape contract violations.
func TestDecodeMalformed(t *testing.T) {
	d, err := New(testParams(), model.Options{})
	require.NoError(t, err)
	cfg := model.DefaultConfig(16, 16)

	views := overlapping(t)
	_, err = d.Decode(context.Background(), views[:2], &cfg)
	assert.True(t, errors.Is(err, tensors.ErrMalformedShape))

	views[2] = nhwc(t, tensors.Shape{1, 1, 2, 2}, make([]float32, 4))
	_, err = d.Decode(context.Background(), views, &cfg)
	assert.True(t, errors.Is(err, tensors.ErrMalformedShape))

	_, err = New(Params{ClassNum: 2}, model.Options{})
	assert.True(t, errors.Is(err, model.ErrInvalidConfig))
	assert.Equal(t, []int{8, 16, 32, 64, 128}, DefaultParams().Strides)
}
