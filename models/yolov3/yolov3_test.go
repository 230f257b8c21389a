package yolov3

import (
	"context"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Strides:  []int{16},
		Anchors:  [][][2]float32{{{1, 2}, {2, 1}}},
		ClassNum: 3,
	}
}

// toNCHW transposes a dense NHWC buffer into NCHW order.
func toNCHW(data []float32, h, w, c int) []float32 {
	out := make([]float32, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out[ch*h*w+y*w+x] = data[(y*w+x)*c+ch]
			}
		}
	}
	return out
}

// TestDecodeBoxFormula validates the exponential size form and the
// sigmoid centre offset.
func TestDecodeBoxFormula(t *testing.T) {
	d, err := New(Params{Strides: []int{16}, Anchors: [][][2]float32{{{1, 2}}}, ClassNum: 1}, model.Options{})
	require.NoError(t, err)

	// 2x2 grid, cell (1, 1) is the only confident one.
	data := make([]float32, 2*2*6)
	for i := range data {
		data[i] = -8
	}
	cell := data[3*6:]
	copy(cell, []float32{0, 0, math32.Log(2), 0, 8, 8})

	view, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 2, 2, 6}, Data: data})
	require.NoError(t, err)

	cfg := model.DefaultConfig(64, 64)
	out, err := d.Decode(context.Background(), []*tensors.View{view}, &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)

	// Centre (1.5*16, 1.5*16) = (24, 24); size (2*1*16, 1*2*16) = (32, 32).
	b := out.Detections[0].Box
	assert.InDelta(t, 8, b.Xmin, 1e-3)
	assert.InDelta(t, 8, b.Ymin, 1e-3)
	assert.InDelta(t, 40, b.Xmax, 1e-3)
	assert.InDelta(t, 40, b.Ymax, 1e-3)
}

// TestDecodeLayoutsAgree validates that NHWC and NCHW copies of the same
// output decode to the same detections.
func TestDecodeLayoutsAgree(t *testing.T) {
	d, err := New(testParams(), model.Options{})
	require.NoError(t, err)

	const h, w, c = 3, 4, 16
	r := rand.New(rand.NewSource(3))
	nhwc := make([]float32, h*w*c)
	for i := range nhwc {
		nhwc[i] = float32(r.NormFloat64())
	}

	a, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, h, w, c}, Data: nhwc})
	require.NoError(t, err)
	b, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNCHW, Valid: tensors.Shape{1, c, h, w}, Data: toNCHW(nhwc, h, w, c)})
	require.NoError(t, err)

	cfg := model.DefaultConfig(64, 64)
	cfg.ScoreThreshold = 0.2
	want, err := d.Decode(context.Background(), []*tensors.View{a}, &cfg)
	require.NoError(t, err)
	got, err := d.Decode(context.Background(), []*tensors.View{b}, &cfg)
	require.NoError(t, err)

	require.NotEmpty(t, want.Detections)
	assert.Equal(t, want, got)
}

// TestDecodeQuantizedAligned validates the int32 path with a padded
// channel dimension and a tensor-wide scale.
func TestDecodeQuantizedAligned(t *testing.T) {
	d, err := New(testParams(), model.Options{})
	require.NoError(t, err)

	const h, w, valid, aligned = 2, 2, 16, 20
	r := rand.New(rand.NewSource(11))
	raw := make([]int32, h*w*aligned)
	dense := make([]float32, h*w*valid)
	for cell := 0; cell < h*w; cell++ {
		for ch := 0; ch < aligned; ch++ {
			v := int32(r.Intn(400) - 200)
			raw[cell*aligned+ch] = v
			if ch < valid {
				dense[cell*valid+ch] = tensors.Dequantize(v, 0.01)
			}
		}
	}

	quant, err := tensors.NewView(tensors.NewViewArgs{
		Layout:  tensors.LayoutNHWC,
		Valid:   tensors.Shape{1, h, w, valid},
		Aligned: tensors.Shape{1, h, w, aligned},
		Quant:   tensors.QuantScale,
		Scales:  []float32{0.01},
		Data:    raw,
	})
	require.NoError(t, err)
	plain, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, h, w, valid}, Data: dense})
	require.NoError(t, err)

	cfg := model.DefaultConfig(32, 32)
	cfg.ScoreThreshold = 0.1
	want, err := d.Decode(context.Background(), []*tensors.View{plain}, &cfg)
	require.NoError(t, err)
	got, err := d.Decode(context.Background(), []*tensors.View{quant}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
