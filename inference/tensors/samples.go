package tensors

import "github.com/pkg/errors"

// Strides are the element strides of a view's height, width and channel
// dimensions, derived from the aligned shape.
type Strides struct {
	H int
	W int
	C int
}

// Strides returns the aligned strides for the view's layout.
func (v *View) Strides() Strides {
	h, w, c := v.aligned.Dims(v.layout)
	if v.layout == LayoutNCHW {
		return Strides{H: w, W: 1, C: h * w}
	}
	return Strides{H: w * c, W: c, C: 1}
}

// At returns the flat offset of (h, w, c).
func (s Strides) At(h, w, c int) int {
	return h*s.H + w*s.W + c*s.C
}

// Samples is a typed buffer paired with the dequantizer selected for it.
type Samples[T Number, D Dequantizer[T]] struct {
	Data []T
	Deq  D
}

// At returns the dequantized sample at flat index i, read as channel ch.
func (s Samples[T, D]) At(i, ch int) float32 {
	return s.Deq.Value(s.Data[i], ch)
}

// Raw returns the undequantized sample at flat index i.
func (s Samples[T, D]) Raw(i int) T {
	return s.Data[i]
}

// Reader reads dequantized samples by flat index and channel.
//
// Decoders use a Reader for tensors they only touch at the few locations
// that survive the score threshold. Dense scans use Visit instead.
type Reader interface {
	At(i, ch int) float32
}

// Visitor receives the typed samples of a view. Exactly one method is
// called per Visit.
type Visitor interface {
	VisitFloat32(s Samples[float32, Plain[float32]]) error
	VisitInt32(s Samples[int32, PerChannel[int32]]) error
	VisitInt16(s Samples[int16, PerChannel[int16]]) error
	VisitInt8(s Samples[int8, PerChannel[int8]]) error
}

// Visit branches once on the view's quantization and element type and
// hands the typed buffer to the matching visitor method.
//
// Arguments:
//   - v: The view to read.
//   - vis: The typed callbacks.
//
// Returns:
//   - error: ErrUnsupportedQuantization for a mode the view cannot be read
//     with, or the error returned by the visitor.
func Visit(v *View, vis Visitor) error {
	if v.quant == QuantNone {
		data, err := v.Float32s()
		if err != nil {
			return err
		}
		return vis.VisitFloat32(Samples[float32, Plain[float32]]{Data: data})
	}
	if v.quant != QuantScale {
		return v.unsupported()
	}

	switch v.dtype {
	case Int32:
		data, err := v.Int32s()
		if err != nil {
			return err
		}
		return vis.VisitInt32(Samples[int32, PerChannel[int32]]{Data: data, Deq: PerChannelOf[int32](v)})
	case Int16:
		data, err := v.Int16s()
		if err != nil {
			return err
		}
		return vis.VisitInt16(Samples[int16, PerChannel[int16]]{Data: data, Deq: PerChannelOf[int16](v)})
	case Int8:
		data, err := v.Int8s()
		if err != nil {
			return err
		}
		return vis.VisitInt8(Samples[int8, PerChannel[int8]]{Data: data, Deq: PerChannelOf[int8](v)})
	default:
		return v.unsupported()
	}
}

type readerVisitor struct {
	r Reader
}

func (rv *readerVisitor) VisitFloat32(s Samples[float32, Plain[float32]]) error {
	rv.r = s
	return nil
}

func (rv *readerVisitor) VisitInt32(s Samples[int32, PerChannel[int32]]) error {
	rv.r = s
	return nil
}

func (rv *readerVisitor) VisitInt16(s Samples[int16, PerChannel[int16]]) error {
	rv.r = s
	return nil
}

func (rv *readerVisitor) VisitInt8(s Samples[int8, PerChannel[int8]]) error {
	rv.r = s
	return nil
}

// NewReader returns a Reader over the view.
func NewReader(v *View) (Reader, error) {
	if v == nil {
		return nil, errors.Wrap(ErrMalformedShape, "nil view")
	}
	var rv readerVisitor
	if err := Visit(v, &rv); err != nil {
		return nil, err
	}
	return rv.r, nil
}
