// Package interop - Views over ONNX Runtime and gorgonia tensors.
package interop

import (
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Options describes the metadata a runtime tensor does not carry itself.
type Options struct {
	// Name identifies the output in diagnostics.
	Name string `json:"name" yaml:"name"`
	// Layout is the dimension order of the runtime shape.
	Layout tensors.Layout `json:"layout" yaml:"layout"`
	// Quant is the quantization mode.
	Quant tensors.Quantization `json:"quant" yaml:"quant"`
	// Scales are the dequantization scales for QuantScale.
	Scales []float32 `json:"scales" yaml:"scales"`
	// Valid is the logical shape when the runtime shape is padded. Zero
	// means the runtime shape holds no padding.
	Valid tensors.Shape `json:"valid" yaml:"valid"`
}

// ORTTensor is the subset of *onnxruntime_go.Tensor[T] needed to build a View.
type ORTTensor[T tensors.Number] interface {
	GetData() []T
	GetShape() ort.Shape
}

// FromORT builds a View over the data of an ONNX Runtime output tensor.
// The View borrows the tensor's buffer; it must not outlive the tensor.
//
// Arguments:
//   - t: The runtime tensor, typically a *ort.Tensor[float32].
//   - opts: Layout and quantization metadata.
//
// Returns:
//   - *tensors.View: The view.
//   - error: tensors.ErrMalformedShape for shapes that are not 3-D or 4-D.
func FromORT[T tensors.Number](t ORTTensor[T], opts Options) (*tensors.View, error) {
	dims := t.GetShape()
	if err := dims.Validate(); err != nil {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "tensor %q: %v", opts.Name, err)
	}
	ints := make([]int, len(dims))
	for i, d := range dims {
		ints[i] = int(d)
	}
	return newView(ints, t.GetData(), opts)
}

// FromDense builds a View over a gorgonia dense tensor. Non-contiguous views
// are materialized first.
//
// Arguments:
//   - d: The dense tensor with a float32, int32, int16 or int8 backing.
//   - opts: Layout and quantization metadata.
//
// Returns:
//   - *tensors.View: The view.
//   - error: tensors.ErrMalformedShape for shapes that are not 3-D or 4-D,
//     tensors.ErrUnsupportedQuantization for other backings.
func FromDense(d *tensor.Dense, opts Options) (*tensors.View, error) {
	if d.IsMaterializable() {
		m, ok := d.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.Wrapf(tensors.ErrMalformedShape, "tensor %q: cannot materialize view", opts.Name)
		}
		d = m
	}
	return newView(d.Shape(), d.Data(), opts)
}

func newView(dims []int, data any, opts Options) (*tensors.View, error) {
	runtime, err := shape4(dims)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", opts.Name)
	}
	valid := opts.Valid
	if valid == (tensors.Shape{}) {
		valid = runtime
	}
	return tensors.NewView(tensors.NewViewArgs{
		Name:    opts.Name,
		Layout:  opts.Layout,
		Valid:   valid,
		Aligned: runtime,
		Quant:   opts.Quant,
		Scales:  opts.Scales,
		Data:    data,
	})
}

func shape4(dims []int) (tensors.Shape, error) {
	switch len(dims) {
	case 4:
		return tensors.Shape{dims[0], dims[1], dims[2], dims[3]}, nil
	case 3:
		return tensors.Shape{1, dims[0], dims[1], dims[2]}, nil
	default:
		return tensors.Shape{}, errors.Wrapf(tensors.ErrMalformedShape, "expected a 3-D or 4-D shape, got %v", dims)
	}
}
