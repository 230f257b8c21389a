// Package config - YAML pipeline configuration for replaying recorded inference outputs.
package config

import (
	"os"
	"path/filepath"

	"github.com/nvr-ai/go-postprocess/models"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Pipeline is a decoder selection plus the tensors of one recorded frame.
//
// Example:
//
// ```yaml
//
//	model: yolov5
//	precision: exact
//	workers: 3
//	postprocess:
//	  height: 512
//	  width: 512
//	  oriHeight: 1080
//	  oriWidth: 1920
//	  padResize: true
//	params:
//	  classNum: 80
//	tensors:
//	  - name: stride8
//	    path: out0.bin
//	    layout: NHWC
//	    dtype: int32
//	    quant: SCALE
//	    scales: [0.0021, 0.0019]
//	    valid: [1, 64, 64, 255]
//	    aligned: [1, 64, 64, 256]
//
// ```
type Pipeline struct {
	// Model is the decoder name.
	Model model.Name `yaml:"model"`
	// Precision selects the exponential strategy: exact or fast. Unset keeps
	// the decoder default.
	Precision model.Precision `yaml:"precision"`
	// Workers is the number of output layers decoded concurrently.
	Workers int `yaml:"workers"`
	// Postprocess is the per-call configuration. Unset fields keep the
	// defaults of model.DefaultConfig; the original size defaults to the
	// model input size.
	Postprocess model.Config `yaml:"postprocess"`
	// Params overlays the decoder's default parameters.
	Params yaml.Node `yaml:"params"`
	// Tensors lists the recorded outputs in decoder order.
	Tensors []Tensor `yaml:"tensors"`

	// dir resolves relative tensor paths.
	dir string
}

// Load reads a pipeline from a YAML file. Relative tensor paths are
// resolved against the file's directory.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - *Pipeline: The validated pipeline.
//   - error: A read, parse or validation error.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// Parse decodes and validates a pipeline.
//
// Arguments:
//   - data: The YAML document.
//
// Returns:
//   - *Pipeline: The pipeline with defaults applied.
//   - error: A YAML error, or model.ErrInvalidConfig.
func Parse(data []byte) (*Pipeline, error) {
	p := &Pipeline{Postprocess: model.DefaultConfig(0, 0)}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "decode pipeline")
	}

	if p.Postprocess.OriHeight == 0 {
		p.Postprocess.OriHeight = p.Postprocess.Height
	}
	if p.Postprocess.OriWidth == 0 {
		p.Postprocess.OriWidth = p.Postprocess.Width
	}

	precision, err := model.ParsePrecision(string(p.Precision))
	if err != nil {
		return nil, err
	}
	p.Precision = precision

	if p.Workers < 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "workers %d", p.Workers)
	}
	if err := p.Postprocess.Validate(); err != nil {
		return nil, err
	}
	if _, err := p.DecoderParams(); err != nil {
		return nil, err
	}
	for i := range p.Tensors {
		if err := p.Tensors[i].validate(); err != nil {
			return nil, errors.Wrapf(err, "tensor %d", i)
		}
	}
	return p, nil
}

// DecoderParams returns the decoder's default parameters overlaid with the
// params node.
//
// Returns:
//   - any: A pointer to the decoder's parameter struct.
//   - error: models.ErrUnsupportedModel, or model.ErrInvalidConfig for a
//     params node that does not fit the decoder.
func (p *Pipeline) DecoderParams() (any, error) {
	params, err := models.DefaultParams(p.Model)
	if err != nil {
		return nil, err
	}
	if p.Params.Kind == 0 {
		return params, nil
	}
	if err := p.Params.Decode(params); err != nil {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "%s params: %v", p.Model, err)
	}
	return params, nil
}

// Options returns the decoder options of the pipeline.
func (p *Pipeline) Options(logger *zap.Logger) model.Options {
	return model.Options{Logger: logger, Precision: p.Precision, Workers: p.Workers}
}

// Decoder builds the configured decoder.
//
// Arguments:
//   - logger: The logger passed to the decoder.
//
// Returns:
//   - model.Decoder: The decoder.
//   - error: A registry or parameter error.
func (p *Pipeline) Decoder(logger *zap.Logger) (model.Decoder, error) {
	params, err := p.DecoderParams()
	if err != nil {
		return nil, err
	}
	return models.NewDecoder(models.NewDecoderArgs{
		Name:    p.Model,
		Params:  params,
		Options: p.Options(logger),
	})
}

// Resolve returns a tensor path relative to the pipeline file.
func (p *Pipeline) Resolve(path string) string {
	if filepath.IsAbs(path) || p.dir == "" {
		return path
	}
	return filepath.Join(p.dir, path)
}
