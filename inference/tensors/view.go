// Package tensors - Read-only views over inference output tensors.
//
// A View borrows the output buffer of one model output for the duration of
// a single decode call. It tracks both the valid (logical) shape and the
// aligned (padded) shape used for stride arithmetic.
package tensors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Layout is the dimension order of a 4-D tensor.
type Layout int

const (
	// LayoutNHWC is channel-last: batch, height, width, channel.
	LayoutNHWC Layout = iota
	// LayoutNCHW is channel-first: batch, channel, height, width.
	LayoutNCHW
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout parses "NHWC" or "NCHW" (case-insensitive).
func ParseLayout(s string) (Layout, error) {
	switch strings.ToUpper(s) {
	case "NHWC":
		return LayoutNHWC, nil
	case "NCHW":
		return LayoutNCHW, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedLayout, "layout %q", s)
	}
}

// Quantization is the quantization mode of a tensor.
type Quantization int

const (
	// QuantNone means values are stored as float32.
	QuantNone Quantization = iota
	// QuantScale means values are integers multiplied by a per-channel scale.
	QuantScale
)

// String returns the quantization mode name.
func (q Quantization) String() string {
	switch q {
	case QuantNone:
		return "NONE"
	case QuantScale:
		return "SCALE"
	default:
		return fmt.Sprintf("Quantization(%d)", int(q))
	}
}

// ParseQuantization parses "NONE" or "SCALE" (case-insensitive).
func ParseQuantization(s string) (Quantization, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return QuantNone, nil
	case "SCALE":
		return QuantScale, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedQuantization, "quantization %q", s)
	}
}

// DType is the element type of a tensor buffer.
type DType int

const (
	// Float32 elements.
	Float32 DType = iota
	// Int8 elements.
	Int8
	// Int16 elements.
	Int16
	// Int32 elements.
	Int32
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
}

// String returns the element type name.
func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Int8:
		return 1
	case Int16:
		return 2
	default:
		return 4
	}
}

// ParseDType parses an element type name such as "float32" or "int16".
func ParseDType(s string) (DType, error) {
	for d, name := range dtypeNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedQuantization, "dtype %q", s)
}

// Shape holds the four dimensions of a tensor in its layout's order.
type Shape [4]int

// Dims returns height, width and channel count for the given layout.
//
// Arguments:
//   - layout: The dimension order of the shape.
//
// Returns:
//   - int: Height.
//   - int: Width.
//   - int: Channels.
func (s Shape) Dims(layout Layout) (int, int, int) {
	if layout == LayoutNCHW {
		return s[2], s[3], s[1]
	}
	return s[1], s[2], s[3]
}

// Elements returns the number of elements described by the shape.
func (s Shape) Elements() int {
	return s[0] * s[1] * s[2] * s[3]
}

// NewViewArgs is the arguments for creating a new View.
type NewViewArgs struct {
	// Name identifies the output in diagnostics.
	Name string
	// Layout is the dimension order of Valid and Aligned.
	Layout Layout
	// Valid is the logical shape.
	Valid Shape
	// Aligned is the padded shape used for strides. Zero means Valid.
	Aligned Shape
	// Quant is the quantization mode.
	Quant Quantization
	// Scales holds one scale per channel, or a single scale for the whole tensor.
	Scales []float32
	// Data is a []float32, []int32, []int16 or []int8 buffer.
	Data any
}

// View is a read-only view of one inference output.
type View struct {
	name    string
	layout  Layout
	quant   Quantization
	dtype   DType
	valid   Shape
	aligned Shape
	scales  []float32
	data    any
}

// NewView validates args and returns a View over the given buffer.
//
// Arguments:
//   - args: The tensor description and buffer.
//
// Returns:
//   - *View: The view.
//   - error: ErrMalformedShape when the shape, buffer or scales disagree.
func NewView(args NewViewArgs) (*View, error) {
	dtype, n, err := dtypeOf(args.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", args.Name)
	}

	aligned := args.Aligned
	if aligned == (Shape{}) {
		aligned = args.Valid
	}

	for i := range args.Valid {
		if args.Valid[i] <= 0 {
			return nil, errors.Wrapf(ErrMalformedShape, "tensor %q: valid shape %v has a non-positive dimension", args.Name, args.Valid)
		}
		if aligned[i] < args.Valid[i] {
			return nil, errors.Wrapf(ErrMalformedShape, "tensor %q: aligned shape %v smaller than valid shape %v", args.Name, aligned, args.Valid)
		}
	}

	if n < aligned.Elements() {
		return nil, errors.Wrapf(ErrMalformedShape, "tensor %q: buffer holds %d elements, aligned shape %v needs %d", args.Name, n, aligned, aligned.Elements())
	}

	if args.Quant == QuantScale {
		_, _, c := args.Valid.Dims(args.Layout)
		if len(args.Scales) != 1 && len(args.Scales) < c {
			return nil, errors.Wrapf(ErrMalformedShape, "tensor %q: %d scales for %d channels", args.Name, len(args.Scales), c)
		}
	}

	return &View{
		name:    args.Name,
		layout:  args.Layout,
		quant:   args.Quant,
		dtype:   dtype,
		valid:   args.Valid,
		aligned: aligned,
		scales:  args.Scales,
		data:    args.Data,
	}, nil
}

func dtypeOf(data any) (DType, int, error) {
	switch d := data.(type) {
	case []float32:
		return Float32, len(d), nil
	case []int32:
		return Int32, len(d), nil
	case []int16:
		return Int16, len(d), nil
	case []int8:
		return Int8, len(d), nil
	case nil:
		return 0, 0, errors.Wrap(ErrMalformedShape, "nil buffer")
	default:
		return 0, 0, errors.Wrapf(ErrUnsupportedQuantization, "buffer type %T", data)
	}
}

// Name returns the output name.
func (v *View) Name() string { return v.name }

// Layout returns the dimension order.
func (v *View) Layout() Layout { return v.layout }

// Quant returns the quantization mode.
func (v *View) Quant() Quantization { return v.quant }

// DType returns the element type.
func (v *View) DType() DType { return v.dtype }

// Valid returns the logical shape.
func (v *View) Valid() Shape { return v.valid }

// Aligned returns the padded shape.
func (v *View) Aligned() Shape { return v.aligned }

// Scales returns the dequantization scales.
func (v *View) Scales() []float32 { return v.scales }

// H returns the valid height.
func (v *View) H() int {
	h, _, _ := v.valid.Dims(v.layout)
	return h
}

// W returns the valid width.
func (v *View) W() int {
	_, w, _ := v.valid.Dims(v.layout)
	return w
}

// C returns the valid channel count.
func (v *View) C() int {
	_, _, c := v.valid.Dims(v.layout)
	return c
}

// AlignedH returns the padded height.
func (v *View) AlignedH() int {
	h, _, _ := v.aligned.Dims(v.layout)
	return h
}

// AlignedW returns the padded width.
func (v *View) AlignedW() int {
	_, w, _ := v.aligned.Dims(v.layout)
	return w
}

// AlignedC returns the padded channel count.
func (v *View) AlignedC() int {
	_, _, c := v.aligned.Dims(v.layout)
	return c
}

// CheckLayout returns ErrUnsupportedLayout unless the view uses one of the
// given layouts.
func (v *View) CheckLayout(allowed ...Layout) error {
	for _, l := range allowed {
		if v.layout == l {
			return nil
		}
	}
	return errors.Wrapf(ErrUnsupportedLayout, "tensor %q has layout %s", v.name, v.layout)
}

// String describes the view for diagnostics.
func (v *View) String() string {
	return fmt.Sprintf("%s[%s %s %s valid=%v aligned=%v]", v.name, v.layout, v.dtype, v.quant, v.valid, v.aligned)
}

// Float32s returns the float buffer of a QuantNone tensor.
func (v *View) Float32s() ([]float32, error) {
	d, ok := v.data.([]float32)
	if !ok || v.quant != QuantNone {
		return nil, v.unsupported()
	}
	return d, nil
}

// Int32s returns the integer buffer of a QuantScale int32 tensor.
func (v *View) Int32s() ([]int32, error) {
	d, ok := v.data.([]int32)
	if !ok || v.quant != QuantScale {
		return nil, v.unsupported()
	}
	return d, nil
}

// Int16s returns the integer buffer of a QuantScale int16 tensor.
func (v *View) Int16s() ([]int16, error) {
	d, ok := v.data.([]int16)
	if !ok || v.quant != QuantScale {
		return nil, v.unsupported()
	}
	return d, nil
}

// Int8s returns the integer buffer of a QuantScale int8 tensor.
func (v *View) Int8s() ([]int8, error) {
	d, ok := v.data.([]int8)
	if !ok || v.quant != QuantScale {
		return nil, v.unsupported()
	}
	return d, nil
}

func (v *View) unsupported() error {
	return errors.Wrapf(ErrUnsupportedQuantization, "tensor %q is %s %s", v.name, v.quant, v.dtype)
}
