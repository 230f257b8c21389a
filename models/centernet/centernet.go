// Package centernet - CenterNet heatmap peak decoding.
//
// A frame has three outputs: a heatmap with one channel per class, a
// two-channel size (wh) tensor and a two-channel sub-cell offset (reg)
// tensor, all on the same grid. Peaks are ranked by a bounded heap instead
// of suppressed, so no NMS runs.
package centernet

import (
	"container/heap"
	"context"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Variant selects how the heatmap is scored.
type Variant string

const (
	// VariantDefault treats the heatmap as logits and keeps 3x3 local maxima.
	VariantDefault Variant = ""
	// VariantResnet101 reads an int16 heatmap that already holds
	// probabilities and keeps every cell above the threshold.
	VariantResnet101 Variant = "resnet101"
)

// Params describe the classes and heatmap variant of a CenterNet model.
type Params struct {
	// ClassNum is the number of heatmap channels.
	ClassNum int `json:"classNum" yaml:"classNum"`
	// Variant selects the heatmap scoring.
	Variant Variant `json:"variant" yaml:"variant"`
}

// DefaultParams returns the COCO CenterNet parameters.
func DefaultParams() Params {
	return Params{ClassNum: 80}
}

// Decoder decodes CenterNet outputs.
type Decoder struct {
	params Params
	opts   model.Options
	exp    postprocess.ExpStrategy
}

// New creates a CenterNet decoder.
//
// Arguments:
//   - params: The class count and variant.
//   - opts: Logging and precision options.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: model.ErrInvalidConfig for an unknown variant or no classes.
func New(params Params, opts model.Options) (*Decoder, error) {
	if params.ClassNum <= 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "centernet: %d classes", params.ClassNum)
	}
	if params.Variant != VariantDefault && params.Variant != VariantResnet101 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "centernet: variant %q", params.Variant)
	}
	return &Decoder{params: params, opts: opts, exp: opts.Precision.Strategy(postprocess.ExpExact)}, nil
}

// Name returns model.ModelNameCenterNet.
func (d *Decoder) Name() model.Name {
	return model.ModelNameCenterNet
}

// Family returns model.ModelFamilyCOCO.
func (d *Decoder) Family() model.Family {
	return model.ModelFamilyCOCO
}

// Decode decodes the heatmap, wh and reg tensors of one frame.
//
// Arguments:
//   - ctx: The context for the frame.
//   - outputs: The heatmap, wh and reg tensors.
//   - cfg: The per-call configuration. TopK bounds the number of peaks.
//
// Returns:
//   - *postprocess.Output: The detections in descending score order.
//   - error: A malformed-shape or configuration error.
func (d *Decoder) Decode(ctx context.Context, outputs []*tensors.View, cfg *model.Config) (*postprocess.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := model.CheckOutputs(d.Name(), outputs, 3); err != nil {
		return nil, err
	}

	dets, err := d.opts.Runner().Run(ctx, 1, func(_ int, acc []postprocess.Detection) ([]postprocess.Detection, error) {
		return d.decode(outputs[0], outputs[1], outputs[2], cfg, acc)
	})
	if err != nil {
		return nil, err
	}

	d.opts.Log().Debug("decoded frame",
		zap.String("model", string(d.Name())),
		zap.String("variant", string(d.params.Variant)),
		zap.Int("kept", len(dets)),
	)
	return &postprocess.Output{Detections: dets}, nil
}

func (d *Decoder) decode(hm, wh, reg *tensors.View, cfg *model.Config, acc []postprocess.Detection) ([]postprocess.Detection, error) {
	for _, v := range []*tensors.View{hm, wh, reg} {
		if err := v.CheckLayout(tensors.LayoutNCHW, tensors.LayoutNHWC); err != nil {
			return nil, err
		}
	}
	if hm.C() != d.params.ClassNum || wh.C() != 2 || reg.C() != 2 {
		return nil, errors.Wrapf(tensors.ErrMalformedShape,
			"centernet: need %d heatmap, 2 wh and 2 reg channels, got %d, %d and %d",
			d.params.ClassNum, hm.C(), wh.C(), reg.C())
	}
	for _, v := range []*tensors.View{wh, reg} {
		if v.H() != hm.H() || v.W() != hm.W() {
			return nil, errors.Wrapf(tensors.ErrMalformedShape, "centernet: heatmap grid %dx%d, %s grid %dx%d",
				hm.W(), hm.H(), v.Name(), v.W(), v.H())
		}
	}

	f := &peakFinder{
		st:      hm.Strides(),
		classes: hm.C(),
		height:  hm.H(),
		width:   hm.W(),
		top:     newTopK(cfg.TopK),
	}
	if d.params.Variant == VariantResnet101 {
		if hm.DType() != tensors.Int16 {
			return nil, errors.Wrapf(tensors.ErrUnsupportedQuantization, "centernet %s heatmap is %s", d.params.Variant, hm.DType())
		}
		f.threshold = cfg.ScoreThreshold
	} else {
		f.threshold = postprocess.Logit(cfg.ScoreThreshold)
		f.local = true
	}
	if err := tensors.Visit(hm, f); err != nil {
		return nil, err
	}

	whR, err := tensors.NewReader(wh)
	if err != nil {
		return nil, err
	}
	regR, err := tensors.NewReader(reg)
	if err != nil {
		return nil, err
	}
	whSt, regSt := wh.Strides(), reg.Strides()

	// Model pixels per grid cell.
	sx := float32(cfg.Width) / float32(hm.W())
	sy := float32(cfg.Height) / float32(hm.H())
	lb := cfg.Letterbox()
	sigmoid := d.exp.SigmoidFunc()

	for _, p := range f.top.sorted() {
		score := p.value
		if d.params.Variant != VariantResnet101 {
			score = sigmoid(p.value)
		}
		if score <= cfg.ScoreThreshold {
			continue
		}

		x := float32(p.w) + regR.At(regSt.At(p.h, p.w, 0), 0)
		y := float32(p.h) + regR.At(regSt.At(p.h, p.w, 1), 1)
		bw := whR.At(whSt.At(p.h, p.w, 0), 0)
		bh := whR.At(whSt.At(p.h, p.w, 1), 1)

		box := lb.Inverse(images.Box{
			Xmin: (x - bw/2) * sx,
			Ymin: (y - bh/2) * sy,
			Xmax: (x + bw/2) * sx,
			Ymax: (y + bh/2) * sy,
		})
		acc = append(acc, postprocess.Detection{Box: box, Score: score, Class: p.class})
	}
	return acc, nil
}

// peak is a heatmap cell that survived thresholding.
type peak struct {
	value float32
	// index is the flat position c*H*W + h*W + w, used to break ties.
	index int
	class int
	h     int
	w     int
}

// peakFinder collects heatmap cells above threshold. With local set a cell
// must also be at least as large as every neighbour in its 3x3 window,
// clipped at the borders.
type peakFinder struct {
	st        tensors.Strides
	classes   int
	height    int
	width     int
	threshold float32
	local     bool
	top       *topK
}

func (f *peakFinder) VisitFloat32(s tensors.Samples[float32, tensors.Plain[float32]]) error {
	findPeaks(f, s)
	return nil
}

func (f *peakFinder) VisitInt32(s tensors.Samples[int32, tensors.PerChannel[int32]]) error {
	findPeaks(f, s)
	return nil
}

func (f *peakFinder) VisitInt16(s tensors.Samples[int16, tensors.PerChannel[int16]]) error {
	findPeaks(f, s)
	return nil
}

func (f *peakFinder) VisitInt8(s tensors.Samples[int8, tensors.PerChannel[int8]]) error {
	findPeaks(f, s)
	return nil
}

func findPeaks[T tensors.Number, D tensors.Dequantizer[T]](f *peakFinder, s tensors.Samples[T, D]) {
	for c := 0; c < f.classes; c++ {
		for h := 0; h < f.height; h++ {
			for w := 0; w < f.width; w++ {
				v := s.At(f.st.At(h, w, c), c)
				if v <= f.threshold {
					continue
				}
				if f.local && !localMax(f, s, v, h, w, c) {
					continue
				}
				f.top.offer(peak{
					value: v,
					index: (c*f.height+h)*f.width + w,
					class: c,
					h:     h,
					w:     w,
				})
			}
		}
	}
}

func localMax[T tensors.Number, D tensors.Dequantizer[T]](f *peakFinder, s tensors.Samples[T, D], v float32, h, w, c int) bool {
	for y := max(h-1, 0); y <= min(h+1, f.height-1); y++ {
		for x := max(w-1, 0); x <= min(w+1, f.width-1); x++ {
			if (y != h || x != w) && v < s.At(f.st.At(y, x, c), c) {
				return false
			}
		}
	}
	return true
}

// topK keeps the k largest peaks seen so far in a min-heap. A k of zero or
// less keeps every peak.
type topK struct {
	k     int
	peaks peakHeap
}

func newTopK(k int) *topK {
	return &topK{k: k}
}

func (t *topK) offer(p peak) {
	if t.k <= 0 || len(t.peaks) < t.k {
		heap.Push(&t.peaks, p)
		return
	}
	if less(t.peaks[0], p) {
		t.peaks[0] = p
		heap.Fix(&t.peaks, 0)
	}
}

// sorted drains the heap into descending order. Equal values keep
// ascending flat index.
func (t *topK) sorted() []peak {
	out := make([]peak, len(t.peaks))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.peaks).(peak)
	}
	return out
}

// less orders peaks by value, then by descending index so that the later
// of two equal peaks is evicted first.
func less(a, b peak) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.index > b.index
}

type peakHeap []peak

func (h peakHeap) Len() int           { return len(h) }
func (h peakHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h peakHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *peakHeap) Push(x any) {
	*h = append(*h, x.(peak))
}

func (h *peakHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}
