// Package efficientdet - EfficientDet output decoding against cached anchors.
//
// The outputs of a frame are grouped: the class tensors of every layer
// first, then the box tensors in the same layer order.
package efficientdet

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

// padAlign is the multiple a letterboxed input is padded up to.
const padAlign = 128

// Params describe the anchors and classes of an EfficientDet model.
type Params struct {
	// Anchors is the anchor recipe.
	Anchors anchors.EfficientDetConfig `json:"anchors" yaml:"anchors"`
	// ClassNum is the number of classes.
	ClassNum int `json:"classNum" yaml:"classNum"`
}

// DefaultParams returns the COCO EfficientDet-D0 parameters.
func DefaultParams() Params {
	return Params{Anchors: anchors.DefaultEfficientDetConfig(), ClassNum: 80}
}

// Decoder decodes EfficientDet outputs. It owns the anchor cache of one model.
type Decoder struct {
	params  Params
	opts    model.Options
	anchors *anchors.Cache
}

// New creates an EfficientDet decoder.
//
// Arguments:
//   - params: The anchor recipe and class count.
//   - opts: Logging and concurrency options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig when params are inconsistent.
func New(params Params, opts model.Options) (*Decoder, error) {
	if err := params.Anchors.Validate(); err != nil {
		return nil, errors.Wrap(model.ErrInvalidConfig, err.Error())
	}
	if params.ClassNum <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "efficientdet: %d classes", params.ClassNum)
	}
	return &Decoder{params: params, opts: opts, anchors: anchors.NewCache()}, nil
}

// Name returns model.ModelNameEfficientDet.
func (d *Decoder) Name() model.Name {
	return model.ModelNameEfficientDet
}

// Family returns model.ModelFamilyCOCO.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyCOCO
}

// Anchors returns the anchor cache of the decoder.
func (d *Decoder) Anchors() *anchors.Cache {
	return d.anchors
}

// bounds returns the extent boxes are clamped to in model space. A
// letterboxed input only pads to the right and bottom, up to a multiple
// of padAlign.
func bounds(cfg *model.Config) (float32, float32) {
	if !cfg.PadResize {
		return float32(cfg.Width), float32(cfg.Height)
	}
	wr, _ := cfg.Letterbox().Ratios()
	scale := float32(wr)
	w := math32.Ceil(scale*float32(cfg.OriWidth)/padAlign) * padAlign
	h := math32.Ceil(scale*float32(cfg.OriHeight)/padAlign) * padAlign
	return w, h
}

// Decode decodes a class and a box tensor per layer.
//
// Candidates are clamped in model space, suppressed per class, truncated
// to TopK and only then scaled to the original image.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: The class tensors of every layer followed by the box tensors.
//   - cfg: The per-call configuration.
//
// Returns:
//   - *postprocess.Output: The suppressed detections.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(ctx context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layers := d.params.Anchors.Layers()
	if err := model.CheckOutputs(d.Name(), outputs, 2*layers); err != nil {
		return nil, err
	}

	maxX, maxY := bounds(cfg)
	candidates, err := d.opts.Runner().Run(ctx, layers, func(layer int, acc []postprocess.Detection) ([]postprocess.Detection, error) {
		return d.decodeLayer(outputs[layer], outputs[layers+layer], layer, cfg.ScoreThreshold, maxX, maxY, acc)
	})
	if err != nil {
		return nil, err
	}

	kept := postprocess.ApplyGreedyNMS(candidates, cfg.NMS(false, 0))
	if cfg.TopK > 0 && len(kept) > cfg.TopK {
		kept = kept[:cfg.TopK]
	}

	wr, hr := cfg.Letterbox().Ratios()
	lastX := float32(cfg.OriWidth - 1)
	lastY := float32(cfg.OriHeight - 1)
	for i := range kept {
		b := &kept[i].Box
		b.Xmin = float32(float64(b.Xmin) / wr)
		b.Ymin = float32(float64(b.Ymin) / hr)
		b.Xmax = math32.Min(float32(float64(b.Xmax)/wr), lastX) + 1
		b.Ymax = math32.Min(float32(float64(b.Ymax)/hr), lastY) + 1
	}

	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
		zap.Int("cachedAnchors", d.anchors.Len()),
	)
	return &postprocess.Output{Detections: kept}, nil
}

type layerScan struct {
	d         *Decoder
	cls       *tensors.View
	box       tensors.Reader
	boxSt     tensors.Strides
	anchors   []anchors.Anchor
	perCell   int
	threshold float32
	maxX      float32
	maxY      float32
	acc       []postprocess.Detection
}

func (d *Decoder) decodeLayer(cls, box *tensors.View, layer int, threshold, maxX, maxY float32, acc []postprocess.Detection) ([]postprocess.Detection, error) {
	for _, v := range []*tensors.View{cls, box} {
		if err := v.CheckLayout(tensors.LayoutNHWC); err != nil {
			return nil, err
		}
	}

	perCell := d.params.Anchors.PerCell(layer)
	if cls.C() != perCell*d.params.ClassNum || box.C() != perCell*4 {
		return nil, errors.Wrapf(tensors.ErrMalformedShape,
			"efficientdet layer %d: %d anchors per cell need %d class and %d box channels, got %d and %d",
			layer, perCell, perCell*d.params.ClassNum, perCell*4, cls.C(), box.C())
	}
	if cls.H() != box.H() || cls.W() != box.W() {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "efficientdet layer %d: class grid %dx%d, box grid %dx%d",
			layer, cls.W(), cls.H(), box.W(), box.H())
	}

	reader, err := tensors.NewReader(box)
	if err != nil {
		return nil, err
	}

	key := anchors.Key{Layer: layer, H: box.H(), W: box.W()}
	grid := d.anchors.Get(key, func(k anchors.Key) []anchors.Anchor {
		return anchors.EfficientDetAnchors(&d.params.Anchors, k)
	})
	l := &layerScan{
		d:         d,
		cls:       cls,
		box:       reader,
		boxSt:     box.Strides(),
		anchors:   grid,
		perCell:   perCell,
		threshold: threshold,
		maxX:      maxX,
		maxY:      maxY,
		acc:       acc,
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

func scan[T tensors.Number, D tensors.Dequantizer[T]](l *layerScan, s tensors.Samples[T, D]) {
	classes := l.d.params.ClassNum
	st := l.cls.Strides()
	width := l.cls.W()

	for h := 0; h < l.cls.H(); h++ {
		for w := 0; w < width; w++ {
			for k := 0; k < l.perCell; k++ {
				ch0 := k * classes
				id, score := MaxClass(s, st.At(h, w, ch0), st.C, ch0, classes)
				if score <= l.threshold {
					continue
				}

				anchor := l.anchors[(h*width+w)*l.perCell+k]
				l.acc = append(l.acc, postprocess.Detection{
					Box:   l.decodeBox(h, w, k, anchor),
					Score: score,
					Class: id,
				})
			}
		}
	}
}

// MaxClass returns the best of n class scores. When n is a multiple of 4
// the scan keeps four running maxima, one per lane of channels c%4, and
// merges them in lane order against the first score; ties therefore go to
// the lower lane rather than the lower class. Otherwise it is a plain scan
// where the first maximum wins.
//
// Arguments:
//   - s: The typed class samples.
//   - base: The flat index of the first class.
//   - step: The flat distance between classes.
//   - ch0: The channel of the first class.
//   - n: The number of classes.
//
// Returns:
//   - int: The class id.
//   - float32: The dequantized score.
func MaxClass[T tensors.Number, D tensors.Dequantizer[T]](s tensors.Samples[T, D], base, step, ch0, n int) (int, float32) {
	if n%4 != 0 {
		return postprocess.ArgMax(s, base, step, ch0, n)
	}

	var ids [4]int
	var best [4]float32
	for j := 0; j < 4; j++ {
		ids[j] = j
		best[j] = s.At(base+j*step, ch0+j)
	}
	for c := 4; c < n; c += 4 {
		for j := 0; j < 4; j++ {
			if v := s.At(base+(c+j)*step, ch0+c+j); v > best[j] {
				best[j] = v
				ids[j] = c + j
			}
		}
	}

	id, score := ids[0], best[0]
	for j := 1; j < 4; j++ {
		if best[j] > score {
			id, score = ids[j], best[j]
		}
	}
	return id, score
}

func (l *layerScan) decodeBox(h, w, k int, anchor anchors.Anchor) images.Box {
	ch := k * 4
	dx := l.box.At(l.boxSt.At(h, w, ch), ch)
	dy := l.box.At(l.boxSt.At(h, w, ch+1), ch+1)
	dw := l.box.At(l.boxSt.At(h, w, ch+2), ch+2)
	dh := l.box.At(l.boxSt.At(h, w, ch+3), ch+3)

	cx := dx*anchor.W + anchor.CX
	cy := dy*anchor.H + anchor.CY
	pw := math32.Exp(dw) * anchor.W
	ph := math32.Exp(dh) * anchor.H

	return images.Box{
		Xmin: math32.Max(cx-0.5*(pw-1), 0),
		Ymin: math32.Max(cy-0.5*(ph-1), 0),
		Xmax: math32.Min(cx+0.5*(pw-1), l.maxX),
		Ymax: math32.Min(cy+0.5*(ph-1), l.maxY),
	}
}
