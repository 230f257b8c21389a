package config

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/nvr-ai/go-postprocess/inference/interop"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Tensor describes one recorded output: a raw dump of the aligned buffer.
type Tensor struct {
	// Name identifies the tensor in diagnostics.
	Name string `yaml:"name"`
	// Path is the raw dump file.
	Path string `yaml:"path"`
	// Layout is NHWC or NCHW.
	Layout string `yaml:"layout"`
	// DType is float32, int32, int16 or int8.
	DType string `yaml:"dtype"`
	// Quant is NONE or SCALE.
	Quant string `yaml:"quant"`
	// Scales are the dequantization scales.
	Scales []float32 `yaml:"scales"`
	// Valid is the logical shape in layout order.
	Valid tensors.Shape `yaml:"valid"`
	// Aligned is the padded shape of the dump. Unset means Valid.
	Aligned tensors.Shape `yaml:"aligned"`
	// BigEndian marks dumps written in network byte order.
	BigEndian bool `yaml:"bigEndian"`
}

type descriptor struct {
	layout tensors.Layout
	dtype  tensors.DType
	quant  tensors.Quantization
}

func (t *Tensor) parse() (descriptor, error) {
	var (
		d   descriptor
		err error
	)
	if d.layout, err = tensors.ParseLayout(t.Layout); err != nil {
		return d, err
	}
	dtype := t.DType
	if dtype == "" {
		dtype = "float32"
	}
	if d.dtype, err = tensors.ParseDType(dtype); err != nil {
		return d, err
	}
	if d.quant, err = tensors.ParseQuantization(t.Quant); err != nil {
		return d, err
	}
	return d, nil
}

func (t *Tensor) validate() error {
	if t.Path == "" {
		return errors.Wrapf(tensors.ErrMalformedShape, "%q has no path", t.Name)
	}
	_, err := t.parse()
	return err
}

// shape returns the dims of the dump: the aligned shape, or the valid shape
// when the dump holds no padding.
func (t *Tensor) shape() tensors.Shape {
	if t.Aligned == (tensors.Shape{}) {
		return t.Valid
	}
	return t.Aligned
}

// Read decodes a raw dump into a view.
//
// Arguments:
//   - r: The dump, holding exactly the aligned buffer.
//
// Returns:
//   - *tensors.View: The view.
//   - error: A short read, or a shape error.
func (t *Tensor) Read(r io.Reader) (*tensors.View, error) {
	d, err := t.parse()
	if err != nil {
		return nil, err
	}

	dims := t.shape()
	shape := ort.NewShape(int64(dims[0]), int64(dims[1]), int64(dims[2]), int64(dims[3]))
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "%q: shape %v: %v", t.Name, dims, err)
	}
	n := int(shape.FlattenedSize())
	if n == 0 {
		return nil, errors.Wrapf(tensors.ErrMalformedShape, "%q: shape %v is empty", t.Name, dims)
	}

	var data any
	switch d.dtype {
	case tensors.Int8:
		data = make([]int8, n)
	case tensors.Int16:
		data = make([]int16, n)
	case tensors.Int32:
		data = make([]int32, n)
	default:
		data = make([]float32, n)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if t.BigEndian {
		order = binary.BigEndian
	}
	if err := binary.Read(r, order, data); err != nil {
		return nil, errors.Wrapf(err, "read %q: %d %s elements", t.Name, n, d.dtype)
	}

	dense := tensor.New(tensor.WithShape(dims[:]...), tensor.WithBacking(data))
	return interop.FromDense(dense, interop.Options{
		Name:   t.Name,
		Layout: d.layout,
		Quant:  d.quant,
		Scales: t.Scales,
		Valid:  t.Valid,
	})
}

// Views reads every tensor of the pipeline in order.
//
// Returns:
//   - []*tensors.View: The views.
//   - error: The first open or read error.
func (p *Pipeline) Views() ([]*tensors.View, error) {
	views := make([]*tensors.View, 0, len(p.Tensors))
	for i := range p.Tensors {
		t := &p.Tensors[i]
		v, err := p.readFile(t)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (p *Pipeline) readFile(t *Tensor) (*tensors.View, error) {
	f, err := os.Open(p.Resolve(t.Path))
	if err != nil {
		return nil, errors.Wrapf(err, "open tensor %q", t.Name)
	}
	defer f.Close()
	return t.Read(bufio.NewReader(f))
}
