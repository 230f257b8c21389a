package ssd

import (
	"context"
	"testing"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/anchors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig has one layer of 2x2 cells, one 20 pixel prior per cell and
// two foreground classes.
func testConfig() anchors.SSDConfig {
	return anchors.SSDConfig{
		Std:             [4]float32{0.1, 0.1, 0.2, 0.2},
		Offset:          0.5,
		Steps:           []float32{50},
		Sizes:           [][2]float32{{20, -1}},
		Ratios:          [][4]float32{{}},
		BackgroundIndex: 0,
		ClassNum:        2,
	}
}

func layerViews(t *testing.T, cls []float32) []*tensors.View {
	t.Helper()
	box, err := tensors.NewView(tensors.NewViewArgs{Name: "box", Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 2, 2, 4}, Data: make([]float32, 16)})
	require.NoError(t, err)
	c, err := tensors.NewView(tensors.NewViewArgs{Name: "cls", Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 2, 2, 3}, Data: cls})
	require.NoError(t, err)
	return []*tensors.View{box, c}
}

func testModelConfig() model.Config {
	cfg := model.DefaultConfig(100, 100)
	cfg.OriWidth = 200
	return cfg
}

// TestDecodePrior validates softmax scoring against the background and
// the mapping of an undisturbed prior to the original image.
func TestDecodePrior(t *testing.T) {
	d, err := New(testConfig(), model.Options{Precision: model.PrecisionExact})
	require.NoError(t, err)

	cls := []float32{
		0, math32.Log(8), 0, // cell (0, 0): class 1 at 8/10
		5, 0, 0, // background wins
		5, 0, 0,
		5, 0, 0,
	}
	cfg := testModelConfig()
	out, err := d.Decode(context.Background(), layerViews(t, cls), &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)

	det := out.Detections[0]
	assert.Equal(t, 0, det.Class)
	assert.InDelta(t, 0.8, det.Score, 1e-5)
	// Prior centre 25, size 20 in a 100 pixel input; original is 200x100.
	assert.InDelta(t, 30, det.Box.Xmin, 1e-3)
	assert.InDelta(t, 15, det.Box.Ymin, 1e-3)
	assert.InDelta(t, 70, det.Box.Xmax, 1e-3)
	assert.InDelta(t, 35, det.Box.Ymax, 1e-3)

	assert.Equal(t, 1, d.Priors().Len())
	_, err = d.Decode(context.Background(), layerViews(t, cls), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Priors().Len())
}

// TestDecodeDefaultPrecision validates that unset options select the fast
// exponential and that an explicit precision overrides it.
func TestDecodeDefaultPrecision(t *testing.T) {
	cls := []float32{
		0, math32.Log(8), 0,
		5, 0, 0,
		5, 0, 0,
		5, 0, 0,
	}
	cfg := testModelConfig()

	d, err := New(testConfig(), model.Options{})
	require.NoError(t, err)
	assert.Equal(t, postprocess.ExpFast, d.exp)
	out, err := d.Decode(context.Background(), layerViews(t, cls), &cfg)
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)
	e := postprocess.FastExp(math32.Log(8))
	assert.InDelta(t, e/(e+2*postprocess.FastExp(0)), out.Detections[0].Score, 1e-6)
	assert.InDelta(t, 0.8, out.Detections[0].Score, 0.05)

	d, err = New(testConfig(), model.Options{Precision: model.PrecisionExact})
	require.NoError(t, err)
	assert.Equal(t, postprocess.ExpExact, d.exp)
}

// TestDecodeBackgroundOnly validates that priors whose best class does not
// beat the background produce nothing, whatever the threshold.
func TestDecodeBackgroundOnly(t *testing.T) {
	d, err := New(testConfig(), model.Options{})
	require.NoError(t, err)

	cls := make([]float32, 12)
	for i := 0; i < len(cls); i += 3 {
		cls[i] = 1
	}
	cfg := testModelConfig()
	cfg.ScoreThreshold = 0
	out, err := d.Decode(context.Background(), layerViews(t, cls), &cfg)
	require.NoError(t, err)
	assert.Empty(t, out.Detections)
}

// TestDecodeQuantized validates the int32 class and box path.
func TestDecodeQuantized(t *testing.T) {
	d, err := New(testConfig(), model.Options{})
	require.NoError(t, err)

	raw := []int32{0, 208, 0, 500, 0, 0, 500, 0, 0, 500, 0, 0}
	scales := []float32{0.01, 0.01, 0.01}
	dense := make([]float32, len(raw))
	for i, v := range raw {
		dense[i] = tensors.Dequantize(v, scales[i%3])
	}

	box, err := tensors.NewView(tensors.NewViewArgs{
		Layout: tensors.LayoutNHWC,
		Valid:  tensors.Shape{1, 2, 2, 4},
		Quant:  tensors.QuantScale,
		Scales: []float32{0.5},
		Data:   []int32{2, -2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	})
	require.NoError(t, err)
	cls, err := tensors.NewView(tensors.NewViewArgs{
		Layout: tensors.LayoutNHWC,
		Valid:  tensors.Shape{1, 2, 2, 3},
		Quant:  tensors.QuantScale,
		Scales: scales,
		Data:   raw,
	})
	require.NoError(t, err)

	floatBox, err := tensors.NewView(tensors.NewViewArgs{
		Layout: tensors.LayoutNHWC,
		Valid:  tensors.Shape{1, 2, 2, 4},
		Data:   []float32{1, -1, 0.5, 0.5, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	})
	require.NoError(t, err)
	floatCls, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 2, 2, 3}, Data: dense})
	require.NoError(t, err)

	cfg := testModelConfig()
	want, err := d.Decode(context.Background(), []*tensors.View{floatBox, floatCls}, &cfg)
	require.NoError(t, err)
	got, err := d.Decode(context.Background(), []*tensors.View{box, cls}, &cfg)
	require.NoError(t, err)

	require.Len(t, want.Detections, 1)
	assert.Equal(t, want, got)
}

// TestDecodeMalformed validates that channel counts which disagree with
// the prior recipe fail the frame.
func TestDecodeMalformed(t *testing.T) {
	d, err := New(testConfig(), model.Options{})
	require.NoError(t, err)
	cfg := testModelConfig()

	box, err := tensors.NewView(tensors.NewViewArgs{Layout: tensors.LayoutNHWC, Valid: tensors.Shape{1, 2, 2, 8}, Data: make([]float32, 32)})
	require.NoError(t, err)
	cls := layerViews(t, make([]float32, 12))[1]

	_, err = d.Decode(context.Background(), []*tensors.View{box, cls}, &cfg)
	assert.True(t, errors.Is(err, tensors.ErrMalformedShape))

	_, err = d.Decode(context.Background(), []*tensors.View{cls}, &cfg)
	assert.True(t, errors.Is(err, tensors.ErrMalformedShape))
}

// TestVOCDecoder validates that the reference recipe builds a VOC decoder.
func TestVOCDecoder(t *testing.T) {
	d, err := New(anchors.VOCSSDConfig(), model.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ModelNameSSD, d.Name())
	assert.Equal(t, model.ModelFamilyVOC, d.Family())
}
