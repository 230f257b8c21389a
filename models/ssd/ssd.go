// Package ssd - SSD output decoding against cached prior boxes.
//
// Every layer contributes a box tensor with 4 deltas per prior and a class
// tensor with ClassNum+1 logits per prior, the background included. The
// outputs of a frame are interleaved: box 0, class 0, box 1, class 1, ...
//
// Softmax uses the fast exponential unless the options ask for
// model.PrecisionExact.
package ssd

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/anchors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Decoder decodes SSD outputs. It owns the prior cache of one model.
type Decoder struct {
	params anchors.SSDConfig
	opts   model.Options
	exp    postprocess.ExpStrategy
	priors *anchors.Cache
}

// New creates an SSD decoder.
//
// Arguments:
//   - params: The prior recipe, usually anchors.VOCSSDConfig().
//   - opts: Logging, precision and concurrency options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig when params are inconsistent.
func New(params anchors.SSDConfig, opts model.Options) (*Decoder, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(model.ErrInvalidConfig, err.Error())
	}
	return &Decoder{
		params: params,
		opts:   opts,
		exp:    opts.Precision.Strategy(postprocess.ExpFast),
		priors: anchors.NewCache(),
	}, nil
}

// Name returns model.ModelNameSSD.
func (d *Decoder) Name() model.Name {
	return model.ModelNameSSD
}

// Family returns model.ModelFamilyVOC.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyVOC
}

// Priors returns the prior cache of the decoder.
func (d *Decoder) Priors() *anchors.Cache {
	return d.priors
}

// Decode decodes a (box, class) tensor pair per layer.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: 2 tensors per layer, box first.
//   - cfg: The per-call configuration.
//
// Returns:
//   - *postprocess.Output: The suppressed detections.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(ctx context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layers := d.params.Layers()
	if err := model.CheckOutputs(d.Name(), outputs, 2*layers); err != nil {
		return nil, err
	}

	candidates, err := d.opts.Runner().Run(ctx, layers, func(layer int, acc []postprocess.Detection) ([]postprocess.Detection, error) {
		return d.decodeLayer(outputs[2*layer], outputs[2*layer+1], layer, cfg, acc)
	})
	if err != nil {
		return nil, err
	}

	kept := postprocess.ApplyGreedyNMS(candidates, cfg.NMS(false, postprocess.MaxNMSInput))
	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
		zap.Int("cachedPriors", d.priors.Len()),
	)
	return &postprocess.Output{Detections: kept}, nil
}

type layerScan struct {
	d       *Decoder
	cls     *tensors.View
	box     tensors.Reader
	boxSt   tensors.Strides
	priors  []anchors.Anchor
	perCell int
	cfg     *model.Config
	acc     []postprocess.Detection
}

func (d *Decoder) decodeLayer(box, cls *tensors.View, layer int, cfg *model.Config, acc []postprocess.Detection) ([]postprocess.Detection, error) {
	for _, v := range []*tensors.View{box, cls} {
		if err := v.CheckLayout(tensors.LayoutNHWC); err != nil {
			return nil, err
		}
	}

	classes := d.params.ClassNum + 1
	perCell := d.params.PerCell(layer)
	if cls.C() != perCell*classes || box.C() != perCell*4 {
		return nil, errors.Wrapf(tensors.ErrMalformedShape,
			"ssd layer %d: %d priors per cell need %d class and %d box channels, got %d and %d",
			layer, perCell, perCell*classes, perCell*4, cls.C(), box.C())
	}
	if cls.H() != box.H() || cls.W() != box.W() {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "ssd layer %d: class grid %dx%d, box grid %dx%d",
			layer, cls.W(), cls.H(), box.W(), box.H())
	}

	reader, err := tensors.NewReader(box)
	if err != nil {
		return nil, err
	}

	key := anchors.Key{Layer: layer, H: box.H(), W: box.W()}
	l := &layerScan{
		d:       d,
		cls:     cls,
		box:     reader,
		boxSt:   box.Strides(),
		priors:  d.priors.Get(key, func(k anchors.Key) []anchors.Anchor { return anchors.SSDPriors(&d.params, k) }),
		perCell: perCell,
		cfg:     cfg,
		acc:     acc,
	}
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

// scan scores every prior with a softmax over the class logits. A class
// is only chosen when its exponential beats the background's.
func scan[T tensors.Number, D tensors.Dequantizer[T]](l *layerScan, s tensors.Samples[T, D]) {
	params := &l.d.params
	exp := l.d.exp.Func()
	classes := params.ClassNum + 1
	bg := params.BackgroundIndex
	st := l.cls.Strides()
	width := l.cls.W()

	for h := 0; h < l.cls.H(); h++ {
		for w := 0; w < width; w++ {
			for k := 0; k < l.perCell; k++ {
				ch0 := k * classes
				base := st.At(h, w, ch0)

				background := exp(s.At(base+bg*st.C, ch0+bg))
				var sum, maxScore float32
				maxID := -1
				for c := 0; c < classes; c++ {
					e := exp(s.At(base+c*st.C, ch0+c))
					sum += e
					if c != bg && e > maxScore && e > background {
						maxScore = e
						maxID = c
					}
				}
				if maxID < 0 {
					continue
				}
				score := maxScore / sum
				if score <= l.cfg.ScoreThreshold {
					continue
				}

				prior := l.priors[(h*width+w)*l.perCell+k]
				box, ok := l.decodeBox(h, w, k, prior)
				if !ok {
					continue
				}

				id := maxID
				if maxID > bg {
					id--
				}
				l.acc = append(l.acc, postprocess.Detection{Box: box, Score: score, Class: id})
			}
		}
	}
}

// decodeBox applies the variance-scaled deltas to a prior normalized by the
// model input size and scales the result to the original image.
func (l *layerScan) decodeBox(h, w, k int, prior anchors.Anchor) (images.Box, bool) {
	std := l.d.params.Std

	ch := k * 4
	dx := l.box.At(l.boxSt.At(h, w, ch), ch)
	dy := l.box.At(l.boxSt.At(h, w, ch+1), ch+1)
	dw := l.box.At(l.boxSt.At(h, w, ch+2), ch+2)
	dh := l.box.At(l.boxSt.At(h, w, ch+3), ch+3)

	inW := float32(l.cfg.Width)
	inH := float32(l.cfg.Height)
	xmin := (prior.CX - prior.W/2) / inW
	ymin := (prior.CY - prior.H/2) / inH
	xmax := (prior.CX + prior.W/2) / inW
	ymax := (prior.CY + prior.H/2) / inH

	priorW := xmax - xmin
	priorH := ymax - ymin
	priorCX := (xmax + xmin) / 2
	priorCY := (ymax + ymin) / 2

	cx := std[0]*dx*priorW + priorCX
	cy := std[1]*dy*priorH + priorCY
	bw := math32.Exp(std[2]*dw) * priorW
	bh := math32.Exp(std[3]*dh) * priorH

	oriW := float32(l.cfg.OriWidth)
	oriH := float32(l.cfg.OriHeight)
	return images.Box{
		Xmin: (cx - bw/2) * oriW,
		Ymin: (cy - bh/2) * oriH,
		Xmax: (cx + bw/2) * oriW,
		Ymax: (cy + bh/2) * oriH,
	}.Fit(l.cfg.OriWidth, l.cfg.OriHeight)
}
