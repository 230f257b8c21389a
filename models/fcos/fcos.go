// Package fcos - FCOS output decoding with centerness-weighted scores.
//
// Every layer contributes a class tensor, a box tensor with 4 edge distances
// and a single-channel centerness tensor. The outputs of a frame are
// grouped: all class tensors, then all box tensors, then all centerness
// tensors, each group in layer order.
package fcos

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Params describe the layers and classes of an FCOS model.
type Params struct {
	// Strides is the input pixel stride of every layer.
	Strides []int `json:"strides" yaml:"strides"`
	// ClassNum is the number of classes.
	ClassNum int `json:"classNum" yaml:"classNum"`
	// CrossClass makes suppression ignore class ids.
	CrossClass bool `json:"crossClass" yaml:"crossClass"`
	// OffsetsInStrides is true when edge distances are in units of the
	// layer stride instead of input pixels.
	OffsetsInStrides bool `json:"offsetsInStrides" yaml:"offsetsInStrides"`
}

// DefaultParams returns the COCO FCOS parameters.
func DefaultParams() Params {
	return Params{
		Strides:    []int{8, 16, 32, 64, 128},
		ClassNum:   80,
		CrossClass: true,
	}
}

// Decoder decodes FCOS outputs.
type Decoder struct {
	params Params
	opts   model.Options
	exp    postprocess.ExpStrategy
}

// New creates an FCOS decoder.
//
// Arguments:
//   - params: The strides and class count.
//   - opts: Logging, precision and concurrency options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig when params are inconsistent.
func New(params Params, opts model.Options) (*Decoder, error) {
	if len(params.Strides) == 0 {
		return nil, errors.Wrap(model.ErrInvalidConfig, "fcos: no strides")
	}
	for i, s := range params.Strides {
		if s <= 0 {
			return nil, errors.Wrapf(model.ErrInvalidConfig, "fcos: stride %d of layer %d", s, i)
		}
	}
	if params.ClassNum <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "fcos: %d classes", params.ClassNum)
	}
	return &Decoder{params: params, opts: opts, exp: opts.Precision.Strategy(postprocess.ExpExact)}, nil
}

// Name returns model.ModelNameFCOS.
func (d *Decoder) Name() model.Name {
	return model.ModelNameFCOS
}

// Family returns model.ModelFamilyCOCO.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyCOCO
}

// Decode decodes a class, box and centerness tensor per layer.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: The class, box and centerness groups, each in layer order.
//   - cfg: The per-call configuration.
//
// Returns:
//   - *postprocess.Output: The suppressed detections.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(ctx context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layers := len(d.params.Strides)
	if err := model.CheckOutputs(d.Name(), outputs, 3*layers); err != nil {
		return nil, err
	}

	th := newThresholds(cfg.ScoreThreshold)
	wr, hr := cfg.Letterbox().Ratios()
	candidates, err := d.opts.Runner().Run(ctx, layers, func(layer int, acc []postprocess.Detection) ([]postprocess.Detection, error) {
		l := &layerScan{
			d:      d,
			stride: float32(d.params.Strides[layer]),
			th:     th,
			wr:     float32(wr),
			hr:     float32(hr),
			acc:    acc,
		}
		return l.run(layer, outputs[layer], outputs[layers+layer], outputs[2*layers+layer])
	})
	if err != nil {
		return nil, err
	}

	kept := postprocess.ApplyGreedyNMS(candidates, cfg.NMS(d.params.CrossClass, 0))
	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
	)
	return &postprocess.Output{Detections: kept}, nil
}

// thresholds hold the score threshold in the three spaces it is tested in.
// sqrt(sigmoid(cls)*sigmoid(ce)) <= t is equivalent to
// sigmoid(cls)*sigmoid(ce) <= t*t, and either logit at or below
// logit(t*t) already fails it.
type thresholds struct {
	squared float32
	logit   float32
}

func newThresholds(t float32) thresholds {
	sq := t * t
	return thresholds{squared: sq, logit: postprocess.Logit(sq)}
}

type layerScan struct {
	d      *Decoder
	stride float32
	th     thresholds
	wr     float32
	hr     float32

	cls   *tensors.View
	box   tensors.Reader
	boxSt tensors.Strides
	ce    tensors.Reader
	ceSt  tensors.Strides
	acc   []postprocess.Detection
}

func (l *layerScan) run(layer int, cls, box, ce *tensors.View) ([]postprocess.Detection, error) {
	for _, v := range []*tensors.View{cls, box, ce} {
		if err := v.CheckLayout(tensors.LayoutNHWC, tensors.LayoutNCHW); err != nil {
			return nil, err
		}
	}
	if cls.C() != l.d.params.ClassNum || box.C() != 4 || ce.C() != 1 {
		return nil, errors.Wrapf(tensors.ErrMalformedShape,
			"fcos layer %d: need %d class, 4 box and 1 centerness channels, got %d, %d and %d",
			layer, l.d.params.ClassNum, cls.C(), box.C(), ce.C())
	}
	for _, v := range []*tensors.View{box, ce} {
		if v.H() != cls.H() || v.W() != cls.W() {
			return nil, errors.Wrapf(tensors.ErrMalformedShape, "fcos layer %d: class grid %dx%d, %s grid %dx%d",
				layer, cls.W(), cls.H(), v.Name(), v.W(), v.H())
		}
	}

	var err error
	if l.box, err = tensors.NewReader(box); err != nil {
		return nil, err
	}
	if l.ce, err = tensors.NewReader(ce); err != nil {
		return nil, err
	}
	l.cls = cls
	l.boxSt = box.Strides()
	l.ceSt = ce.Strides()

	if err := tensors.Visit(cls, l); err != nil {
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
	sigmoid := l.d.exp.SigmoidFunc()
	st := l.cls.Strides()

	for h := 0; h < l.cls.H(); h++ {
		for w := 0; w < l.cls.W(); w++ {
			id, logit := postprocess.ArgMax(s, st.At(h, w, 0), st.C, 0, l.d.params.ClassNum)
			if logit <= l.th.logit {
				continue
			}
			centerness := l.ce.At(l.ceSt.At(h, w, 0), 0)
			if centerness <= l.th.logit {
				continue
			}
			score := sigmoid(logit) * sigmoid(centerness)
			if score <= l.th.squared {
				continue
			}

			l.acc = append(l.acc, postprocess.Detection{
				Box:   l.decodeBox(h, w),
				Score: math32.Sqrt(score),
				Class: id,
			})
		}
	}
}

// decodeBox turns the left, top, right and bottom distances of a cell into
// a box in original image pixels. Negative distances count as zero.
func (l *layerScan) decodeBox(h, w int) images.Box {
	var dist [4]float32
	for ch := range dist {
		dist[ch] = math32.Max(l.box.At(l.boxSt.At(h, w, ch), ch), 0)
		if l.d.params.OffsetsInStrides {
			dist[ch] *= l.stride
		}
	}

	cx := (float32(w) + 0.5) * l.stride
	cy := (float32(h) + 0.5) * l.stride
	return images.Box{
		Xmin: (cx - dist[0]) / l.wr,
		Ymin: (cy - dist[1]) / l.hr,
		Xmax: (cx + dist[2]) / l.wr,
		Ymax: (cy + dist[3]) / l.hr,
	}
}
