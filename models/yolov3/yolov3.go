// Package yolov3 - YOLOv3 output decoding.
package yolov3

import (
	"context"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Params describe the output geometry of a YOLOv3 model.
type Params struct {
	// Strides is the downsampling factor of each output layer.
	Strides []int `json:"strides" yaml:"strides"`
	// Anchors holds the (w, h) anchor sizes of each layer in units of the
	// layer stride.
	Anchors [][][2]float32 `json:"anchors" yaml:"anchors"`
	// ClassNum is the number of classes.
	ClassNum int `json:"classNum" yaml:"classNum"`
}

// DefaultParams returns the COCO YOLOv3 geometry, coarsest layer first.
func DefaultParams() Params {
	return Params{
		Strides: []int{32, 16, 8},
		Anchors: [][][2]float32{
			{{3.625, 2.8125}, {4.875, 6.1875}, {11.65625, 10.1875}},
			{{1.875, 3.8125}, {3.875, 2.8125}, {3.6875, 7.4375}},
			{{1.25, 1.625}, {2.0, 3.75}, {4.125, 2.875}},
		},
		ClassNum: 80,
	}
}

// Decoder decodes YOLOv3 outputs in either layout.
type Decoder struct {
	params Params
	opts   model.Options
	exp    postprocess.ExpStrategy
}

// New creates a YOLOv3 decoder.
func New(params Params, opts model.Options) (*Decoder, error) {
	if len(params.Strides) == 0 || len(params.Anchors) != len(params.Strides) || params.ClassNum <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "yolov3: %d strides, %d anchor sets, %d classes",
			len(params.Strides), len(params.Anchors), params.ClassNum)
	}
	return &Decoder{params: params, opts: opts, exp: opts.Precision.Strategy(postprocess.ExpExact)}, nil
}

// Name returns model.ModelNameYOLOv3.
func (d *Decoder) Name() model.Name {
	return model.ModelNameYOLOv3
}

// Family returns model.ModelFamilyCOCO.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyCOCO
}

// Decode decodes one tensor per output layer. NHWC layers are walked with
// the aligned channel stride; NCHW layers keep one plane per channel.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: One tensor per layer, in Params.Strides order.
//   - cfg: The per-call configuration.
//
// Returns:
//   - *postprocess.Output: The suppressed detections.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(ctx context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckOutputs(d.Name(), outputs, len(d.params.Strides)); err != nil {
		return nil, err
	}

	lb := cfg.Letterbox()
	candidates, err := d.opts.Runner().Run(ctx, len(outputs), func(layer int, acc []postprocess.Detection) ([]postprocess.Detection, error) {
		v := outputs[layer]
		if err := v.CheckLayout(tensors.LayoutNHWC, tensors.LayoutNCHW); err != nil {
			return nil, err
		}
		anchors := d.params.Anchors[layer]
		if want := len(anchors) * (d.params.ClassNum + 5); v.C() < want {
			return nil, errors.Wrapf(tensors.ErrMalformedShape, "yolov3 layer %d: %d channels, want %d", layer, v.C(), want)
		}
		l := &layerScan{
			d:         d,
			view:      v,
			stride:    float32(d.params.Strides[layer]),
			anchors:   anchors,
			lb:        lb,
			threshold: cfg.ScoreThreshold,
			acc:       acc,
		}
		if err := tensors.Visit(v, l); err != nil {
			return nil, err
		}
		return l.acc, nil
	})
	if err != nil {
		return nil, err
	}

	kept := postprocess.ApplyGreedyNMS(candidates, cfg.NMS(false, postprocess.MaxNMSInput))
	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
	)
	return &postprocess.Output{Detections: kept}, nil
}

type layerScan struct {
	d         *Decoder
	view      *tensors.View
	stride    float32
	anchors   [][2]float32
	lb        images.Letterbox
	threshold float32
	acc       []postprocess.Detection
}

func (l *layerScan) VisitFloat32(s tensors.Samples[float32, tensors.Plain[float32]]) error {
	scan(l, s)
	return nil
}

func (l *layerScan) VisitInt32(s tensors.Samples[int32, tensors.PerChannel[int32]]) error {
	scan(l, s)
	return nil
}

func (l *layerScan) VisitInt16(s tensors.Samples[int16, tensors.PerChannel[int16]]) error {
	scan(l, s)
	return nil
}

func (l *layerScan) VisitInt8(s tensors.Samples[int8, tensors.PerChannel[int8]]) error {
	scan(l, s)
	return nil
}

func scan[T tensors.Number, D tensors.Dequantizer[T]](l *layerScan, s tensors.Samples[T, D]) {
	numClasses := l.d.params.ClassNum
	numPred := numClasses + 5
	st := l.view.Strides()
	sigmoid := l.d.exp.SigmoidFunc()
	exp := l.d.exp.Func()

	for h := 0; h < l.view.H(); h++ {
		for w := 0; w < l.view.W(); w++ {
			for k, anchor := range l.anchors {
				ch := k * numPred
				base := st.At(h, w, ch)
				at := func(j int) float32 {
					return s.At(base+j*st.C, ch+j)
				}

				id, maxLogit := postprocess.ArgMax(s, base+5*st.C, st.C, ch+5, numClasses)
				confidence := sigmoid(at(4)) * sigmoid(maxLogit)
				if confidence < l.threshold {
					continue
				}

				cx := (sigmoid(at(0)) + float32(w)) * l.stride
				cy := (sigmoid(at(1)) + float32(h)) * l.stride
				bw := exp(at(2)) * anchor[0] * l.stride
				bh := exp(at(3)) * anchor[1] * l.stride

				box, ok := l.lb.ToOriginal(images.Box{
					Xmin: cx - bw/2,
					Ymin: cy - bh/2,
					Xmax: cx + bw/2,
					Ymax: cy + bh/2,
				})
				if !ok {
					continue
				}
				l.acc = append(l.acc, postprocess.Detection{Box: box, Score: confidence, Class: id})
			}
		}
	}
}
