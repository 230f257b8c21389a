// Package yolov5 - YOLOv5 output decoding.
//
// Each output layer is an NHWC tensor with, per grid cell, one block of
// 4 box + 1 objectness + classes channels for every anchor of the layer.
package yolov5

import (
	"context"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Params describe the output geometry of a YOLOv5 model.
type Params struct {
	// Strides is the downsampling factor of each output layer.
	Strides []int `json:"strides" yaml:"strides"`
	// Anchors holds the (w, h) anchor sizes of each layer in input pixels.
	Anchors [][][2]float32 `json:"anchors" yaml:"anchors"`
	// ClassNum is the number of classes.
	ClassNum int `json:"classNum" yaml:"classNum"`
}

// DefaultParams returns the COCO YOLOv5 geometry.
func DefaultParams() Params {
	return Params{
		Strides: []int{8, 16, 32},
		Anchors: [][][2]float32{
			{{10, 13}, {16, 30}, {33, 23}},
			{{30, 61}, {62, 45}, {59, 119}},
			{{116, 90}, {156, 198}, {373, 326}},
		},
		ClassNum: 80,
	}
}

// Decoder decodes YOLOv5 outputs.
type Decoder struct {
	params Params
	opts   model.Options
	exp    postprocess.ExpStrategy
}

// New creates a YOLOv5 decoder.
//
// Arguments:
//   - params: The output geometry.
//   - opts: Logging, precision and concurrency options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig when params are inconsistent.
func New(params Params, opts model.Options) (*Decoder, error) {
	if len(params.Strides) == 0 || len(params.Anchors) != len(params.Strides) || params.ClassNum <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "yolov5: %d strides, %d anchor sets, %d classes",
			len(params.Strides), len(params.Anchors), params.ClassNum)
	}
	return &Decoder{params: params, opts: opts, exp: opts.Precision.Strategy(postprocess.ExpExact)}, nil
}

// Name returns model.ModelNameYOLOv5.
func (d *Decoder) Name() model.Name {
	return model.ModelNameYOLOv5
}

// Family returns model.ModelFamilyCOCO.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyCOCO
}

// Decode decodes one tensor per output layer, in stride order.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: One NHWC tensor per layer.
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
		return d.decodeLayer(outputs[layer], layer, lb, cfg.ScoreThreshold, acc)
	})
	if err != nil {
		return nil, err
	}

	kept := postprocess.ApplyGreedyNMS(candidates, cfg.NMS(false, 0))
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

func (d *Decoder) decodeLayer(v *tensors.View, layer int, lb images.Letterbox, threshold float32, acc []postprocess.Detection) ([]postprocess.Detection, error) {
	if err := v.CheckLayout(tensors.LayoutNHWC); err != nil {
		return nil, err
	}
	anchors := d.params.Anchors[layer]
	if want := len(anchors) * (d.params.ClassNum + 5); v.C() < want {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "yolov5 layer %d: %d channels, want %d", layer, v.C(), want)
	}

	l := &layerScan{
		d:         d,
		view:      v,
		stride:    float32(d.params.Strides[layer]),
		anchors:   anchors,
		lb:        lb,
		threshold: threshold,
		acc:       acc,
	}
	if err := tensors.Visit(v, l); err != nil {
		return nil, err
	}
	return l.acc, nil
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
	strides := l.view.Strides()
	sigmoid := l.d.exp.SigmoidFunc()

	for h := 0; h < l.view.H(); h++ {
		for w := 0; w < l.view.W(); w++ {
			cell := strides.At(h, w, 0)
			for k, anchor := range l.anchors {
				ch := k * numPred
				base := cell + ch

				objectness := s.At(base+4, ch+4)
				id, maxLogit := postprocess.ArgMax(s, base+5, 1, ch+5, numClasses)
				confidence := sigmoid(objectness) * sigmoid(maxLogit)
				if confidence < l.threshold {
					continue
				}

				tx := s.At(base, ch)
				ty := s.At(base+1, ch+1)
				tw := s.At(base+2, ch+2)
				th := s.At(base+3, ch+3)

				cx := (sigmoid(tx)*2 - 0.5 + float32(w)) * l.stride
				cy := (sigmoid(ty)*2 - 0.5 + float32(h)) * l.stride
				sw := sigmoid(tw) * 2
				sh := sigmoid(th) * 2
				bw := sw * sw * anchor[0]
				bh := sh * sh * anchor[1]

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
