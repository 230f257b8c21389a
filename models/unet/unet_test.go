package unet

import (
	"context"
	"testing"

	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestDecodeSinglePixel validates the argmax of a 1x1 map.
func TestDecodeSinglePixel(t *testing.T) {
	d, err := New(DefaultParams(), model.Options{})
	require.NoError(t, err)

	v, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 1, 1, 4}, Data: []float32{0.1, 0.7, 0.2, 0.0}})
	require.NoError(t, err)

	cfg := model.DefaultConfig(1, 1)
	out, err := d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	require.NoError(t, err)
	require.NotNil(t, out.Segmentation)
	assert.Equal(t, []int{1}, out.Segmentation.Labels)
	assert.Equal(t, 4, out.Segmentation.NumClasses)
	assert.Empty(t, out.Detections)
}

// TestDecodeFirstMaxWins validates the tie rule.
func TestDecodeFirstMaxWins(t *testing.T) {
	d, err := New(Params{ClassNum: 3}, model.Options{})
	require.NoError(t, err)

	v, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 1, 2, 3}, Data: []float32{
		0.5, 0.5, 0.1,
		-1, -2, -1,
	}})
	require.NoError(t, err)

	cfg := model.DefaultConfig(1, 2)
	out, err := d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, out.Segmentation.Labels)
}

// TestDecodeQuantizedAligned validates per-channel scales and the padded
// channel stride.
func TestDecodeQuantizedAligned(t *testing.T) {
	d, err := New(Params{ClassNum: 3}, model.Options{})
	require.NoError(t, err)

	// Raw values favour channel 0; the scales make channel 2 win in pixel 0
	// and channel 1 in pixel 1. The padding channel holds a large value that
	// must be ignored.
	v, err := tensors.NewView(tensors.NewViewArgs{
		Layout:  tensors.LayoutNHWC,
		Valid:   tensors.Shape{1, 1, 2, 3},
		Aligned: tensors.Shape{1, 1, 2, 4},
		Quant:   tensors.QuantScale,
		Scales:  []float32{0.01, 0.1, 1},
		Data: []int32{
			100, 5, 2, 9999,
			100, 20, 0, 9999,
		},
	})
	require.NoError(t, err)

	cfg := model.DefaultConfig(1, 2)
	out, err := d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, out.Segmentation.Labels)
	assert.Equal(t, 1, out.Segmentation.At(1, 0))
}

// TestDecodeResizeToOriginal validates upscaling of the label map.
func TestDecodeResizeToOriginal(t *testing.T) {
	d, err := New(Params{ResizeToOriginal: true}, model.Options{})
	require.NoError(t, err)

	v, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 1, 2, 2}, Data: []float32{1, 0, 0, 1}})
	require.NoError(t, err)

	cfg := model.DefaultConfig(1, 2)
	cfg.OriWidth, cfg.OriHeight = 4, 2
	out, err := d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Segmentation.Width)
	assert.Equal(t, []int{0, 0, 1, 1, 0, 0, 1, 1}, out.Segmentation.Labels)
}

// TestDecodeUnsupported validates that an unreadable output is logged and
// produces an empty result while a malformed one fails.
func TestDecodeUnsupported(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d, err := New(Params{ClassNum: 2}, model.Options{Logger: zap.New(core)})
	require.NoError(t, err)
	cfg := model.DefaultConfig(1, 1)

	v, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 1, 1, 2}, Quant: tensors.QuantScale, Scales: []float32{1}, Data: []float32{0, 1}})
	require.NoError(t, err)
	out, err := d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	require.NoError(t, err)
	assert.Nil(t, out.Segmentation)
	assert.Equal(t, 1, logs.FilterMessage("skipping output layer").Len())

	v, err = tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 1, 1, 3}, Data: []float32{0, 1, 2}})
	require.NoError(t, err)
	_, err = d.Decode(context.Background(), []*tensors.View{v}, &cfg)
	assert.True(t, errors.Is(err, tensors.ErrMalformedShape))
}

// TestResize validates upscaling through the image resizer and
// point-sampled shrinking.
func TestResize(t *testing.T) {
	m := &postprocess.SegmentationMap{Labels: []int{0, 1, 2, 3}, Width: 2, Height: 2, NumClasses: 4}

	up, err := Resize(m, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{
		0, 0, 1, 1,
		0, 0, 1, 1,
		2, 2, 3, 3,
		2, 2, 3, 3,
	}, up.Labels)

	down, err := Resize(up, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Labels, down.Labels)

	same, err := Resize(m, 2, 2)
	require.NoError(t, err)
	assert.Same(t, m, same)

	_, err = Resize(m, 0, 2)
	assert.True(t, errors.Is(err, model.ErrInvalidConfig))
}
