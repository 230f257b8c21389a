// Package model - Decoder contract and per-call post-processing configuration.
package model

import (
	"context"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Family is the label family a model's class ids index into.
type Family string

const (
	// ModelFamilyCOCO is the 80 COCO classes without background.
	ModelFamilyCOCO Family = "coco"
	// ModelFamilyVOC is the 20 Pascal VOC classes without background.
	ModelFamilyVOC Family = "voc"
	// ModelFamilyNone marks class ids that are plain channel indices.
	ModelFamilyNone Family = "none"
)

// Name is the unique identifier of a decoder.
type Name string

const (
	// ModelNameYOLOv3 is the name of the YOLOv3 decoder.
	ModelNameYOLOv3 Name = "yolov3"
	// ModelNameYOLOv5 is the name of the YOLOv5 decoder.
	ModelNameYOLOv5 Name = "yolov5"
	// ModelNameSSD is the name of the SSD decoder.
	ModelNameSSD Name = "ssd"
	// ModelNameFCOS is the name of the FCOS decoder.
	ModelNameFCOS Name = "fcos"
	// ModelNameCenterNet is the name of the CenterNet decoder.
	ModelNameCenterNet Name = "centernet"
	// ModelNameEfficientDet is the name of the EfficientDet decoder.
	ModelNameEfficientDet Name = "efficientdet"
	// ModelNameUnet is the name of the Unet segmentation decoder.
	ModelNameUnet Name = "unet"
)

// ErrInvalidConfig is returned for configurations that cannot be decoded with.
var ErrInvalidConfig = errors.New("invalid post-process config")

// Config is the per-call post-processing configuration.
type Config struct {
	// Height is the model input height.
	Height int `json:"height" yaml:"height"`
	// Width is the model input width.
	Width int `json:"width" yaml:"width"`
	// OriHeight is the original image height.
	OriHeight int `json:"oriHeight" yaml:"oriHeight"`
	// OriWidth is the original image width.
	OriWidth int `json:"oriWidth" yaml:"oriWidth"`
	// ScoreThreshold is the minimum score a candidate must reach.
	ScoreThreshold float32 `json:"scoreThreshold" yaml:"scoreThreshold"`
	// NMSThreshold is the IoU above which overlapping boxes are suppressed.
	NMSThreshold float32 `json:"nmsThreshold" yaml:"nmsThreshold"`
	// TopK bounds the number of returned detections.
	TopK int `json:"topK" yaml:"topK"`
	// PadResize is true when the input was letterboxed.
	PadResize bool `json:"padResize" yaml:"padResize"`
}

// DefaultConfig returns a configuration with the reference thresholds
// (score 0.35, IoU 0.65, top-k 500) for an unscaled image.
//
// Arguments:
//   - height: The model input height.
//   - width: The model input width.
//
// Returns:
//   - Config: The configuration.
func DefaultConfig(height, width int) Config {
	return Config{
		Height:         height,
		Width:          width,
		OriHeight:      height,
		OriWidth:       width,
		ScoreThreshold: 0.35,
		NMSThreshold:   0.65,
		TopK:           500,
	}
}

// Validate checks that the configuration describes a usable geometry.
func (c *Config) Validate() error {
	if c == nil {
		return errors.Wrap(ErrInvalidConfig, "nil config")
	}
	if c.Height <= 0 || c.Width <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "model size %dx%d", c.Width, c.Height)
	}
	if c.OriHeight <= 0 || c.OriWidth <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "original size %dx%d", c.OriWidth, c.OriHeight)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "score threshold %v outside [0, 1)", c.ScoreThreshold)
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "nms threshold %v outside [0, 1]", c.NMSThreshold)
	}
	return nil
}

// Letterbox returns the resize transform described by the configuration.
func (c *Config) Letterbox() images.Letterbox {
	return images.Letterbox{
		ModelWidth:  c.Width,
		ModelHeight: c.Height,
		OriWidth:    c.OriWidth,
		OriHeight:   c.OriHeight,
		Pad:         c.PadResize,
	}
}

// NMS returns the suppression settings for this configuration.
//
// Arguments:
//   - crossClass: Whether boxes of different classes suppress each other.
//   - maxCandidates: The pre-suppression cap, or 0 for none.
//
// Returns:
//   - *postprocess.NMSConfig: The suppression configuration.
func (c *Config) NMS(crossClass bool, maxCandidates int) *postprocess.NMSConfig {
	return &postprocess.NMSConfig{
		IoUThreshold:  c.NMSThreshold,
		TopK:          c.TopK,
		CrossClass:    crossClass,
		MaxCandidates: maxCandidates,
	}
}

// Options are construction options shared by every decoder.
type Options struct {
	// Logger receives diagnostics. Nil disables logging.
	Logger *zap.Logger
	// Precision selects the exponential used by activations.
	Precision Precision
	// Workers is the number of output layers decoded concurrently.
	Workers int
}

// Log returns the configured logger or a no-op logger.
func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Runner returns a layer runner for these options.
func (o Options) Runner() *postprocess.Runner {
	return &postprocess.Runner{Logger: o.Log(), Workers: o.Workers}
}

// Decoder turns the raw outputs of one frame into detections or a label map.
type Decoder interface {
	// Name returns the decoder name.
	Name() Name
	// Family returns the label family of the class ids produced.
	Family() Family
	// Decode decodes one frame. The outputs are only borrowed for the call.
	Decode(ctx context.Context, outputs []*tensors.View, cfg *Config) (*postprocess.Output, error)
}

// CheckOutputs returns ErrMalformedShape unless exactly want outputs were
// supplied and none of them is nil.
//
// Arguments:
//   - name: The decoder name for the error message.
//   - outputs: The supplied outputs.
//   - want: The expected number of outputs.
//
// Returns:
//   - error: The contract violation, if any.
func CheckOutputs(name Name, outputs []*tensors.View, want int) error {
	if len(outputs) != want {
		return errors.Wrapf(tensors.ErrMalformedShape, "%s expects %d outputs, got %d", name, want, len(outputs))
	}
	for i, o := range outputs {
		if o == nil {
			return errors.Wrapf(tensors.ErrMalformedShape, "%s output %d is nil", name, i)
		}
	}
	return nil
}
