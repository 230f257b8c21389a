// Package unet - Per-pixel argmax decoding of segmentation outputs.
package unet

import (
	"context"

	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Params describe a Unet model.
type Params struct {
	// ClassNum is the number of channels. Zero accepts any channel count.
	ClassNum int `json:"classNum" yaml:"classNum"`
	// ResizeToOriginal scales the label map to the original image size.
	ResizeToOriginal bool `json:"resizeToOriginal" yaml:"resizeToOriginal"`
}

// DefaultParams returns parameters that accept any channel count and keep
// the label map at model output size.
func DefaultParams() Params {
	return Params{}
}

// Decoder decodes Unet outputs into label maps.
type Decoder struct {
	params Params
	opts   model.Options
}

// New creates a Unet decoder.
//
// Arguments:
//   - params: The class count and resize behaviour.
//   - opts: Logging options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig for a negative class count.
func New(params Params, opts model.Options) (*Decoder, error) {
	if params.ClassNum < 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "unet: %d classes", params.ClassNum)
	}
	return &Decoder{params: params, opts: opts}, nil
}

// Name returns model.ModelNameUnet.
func (d *Decoder) Name() model.Name {
	return model.ModelNameUnet
}

// Family returns model.ModelFamilyNone: labels are channel indices.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyNone
}

// Decode computes the argmax channel of every pixel.
//
// An output that cannot be read is logged and yields an empty Output.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: The single score tensor.
//   - cfg: The per-call configuration.
//
// Returns:
//   - *postprocess.Output: The label map in Segmentation.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(_ context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckOutputs(d.Name(), outputs, 1); err != nil {
		return nil, err
	}

	seg, err := d.labels(outputs[0])
	if err != nil {
		if !tensors.Recoverable(err) {
			return nil, err
		}
		d.opts.Log().Warn("skipping output layer", zap.Int("layer", 0), zap.Error(err))
		return &postprocess.Output{}, nil
	}

	if d.params.ResizeToOriginal {
		if seg, err = Resize(seg, cfg.OriWidth, cfg.OriHeight); err != nil {
			return nil, err
		}
	}

	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.Int("width", seg.Width),
		zap.Int("height", seg.Height),
		zap.Int("classes", seg.NumClasses),
	)
	return &postprocess.Output{Segmentation: seg}, nil
}

func (d *Decoder) labels(v *tensors.View) (*postprocess.SegmentationMap, error) {
	if err := v.CheckLayout(tensors.LayoutNHWC, tensors.LayoutNCHW); err != nil {
		return nil, err
	}
	if d.params.ClassNum > 0 && v.C() != d.params.ClassNum {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "unet: need %d channels, got %d", d.params.ClassNum, v.C())
	}

	a := &argmax{
		st: v.Strides(),
		seg: &postprocess.SegmentationMap{
			Labels:     make([]int, v.H()*v.W()),
			Width:      v.W(),
			Height:     v.H(),
			NumClasses: v.C(),
		},
	}
	if err := tensors.Visit(v, a); err != nil {
		return nil, err
	}
	return a.seg, nil
}

type argmax struct {
	st  tensors.Strides
	seg *postprocess.SegmentationMap
}

func (a *argmax) VisitFloat32(s tensors.Samples[float32, tensors.Plain[float32]]) error {
	label(a, s)
	return nil
}

func (a *argmax) VisitInt32(s tensors.Samples[int32, tensors.PerChannel[int32]]) error {
	label(a, s)
	return nil
}

func (a *argmax) VisitInt16(s tensors.Samples[int16, tensors.PerChannel[int16]]) error {
	label(a, s)
	return nil
}

func (a *argmax) VisitInt8(s tensors.Samples[int8, tensors.PerChannel[int8]]) error {
	label(a, s)
	return nil
}

func label[T tensors.Number, D tensors.Dequantizer[T]](a *argmax, s tensors.Samples[T, D]) {
	m := a.seg
	for h := 0; h < m.Height; h++ {
		for w := 0; w < m.Width; w++ {
			id, _ := postprocess.ArgMax(s, a.st.At(h, w, 0), a.st.C, 0, m.NumClasses)
			m.Labels[h*m.Width+w] = id
		}
	}
}
