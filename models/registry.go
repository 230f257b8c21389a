package models

import (
	"github.com/nvr-ai/go-postprocess/models/anchors"
	"github.com/nvr-ai/go-postprocess/models/centernet"
	"github.com/nvr-ai/go-postprocess/models/efficientdet"
	"github.com/nvr-ai/go-postprocess/models/fcos"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/ssd"
	"github.com/nvr-ai/go-postprocess/models/unet"
	"github.com/nvr-ai/go-postprocess/models/yolov3"
	"github.com/nvr-ai/go-postprocess/models/yolov5"
	"github.com/pkg/errors"
)

// ErrUnsupportedModel is returned for decoder names the registry does not know.
var ErrUnsupportedModel = errors.New("unsupported model")

// Names lists every registered decoder.
var Names = []model.Name{
	model.ModelNameYOLOv3,
	model.ModelNameYOLOv5,
	model.ModelNameSSD,
	model.ModelNameFCOS,
	model.ModelNameCenterNet,
	model.ModelNameEfficientDet,
	model.ModelNameUnet,
}

// NewDecoderArgs is the arguments for creating a decoder.
type NewDecoderArgs struct {
	// Name selects the decoder.
	Name model.Name
	// Params are the model parameters: the decoder package's Params (or
	// anchors.SSDConfig for SSD), by value or pointer. Nil selects the
	// defaults.
	Params any
	// Options are the logging, precision and concurrency options.
	Options model.Options
}

// DefaultParams returns a pointer to the default parameters of a decoder,
// ready to be overlaid by a configuration decoder.
//
// Arguments:
//   - name: The decoder name.
//
// Returns:
//   - any: A pointer to the decoder's parameter struct.
//   - error: ErrUnsupportedModel for an unknown name.
func DefaultParams(name model.Name) (any, error) {
	switch name {
	case model.ModelNameYOLOv3:
		p := yolov3.DefaultParams()
		return &p, nil
	case model.ModelNameYOLOv5:
		p := yolov5.DefaultParams()
		return &p, nil
	case model.ModelNameSSD:
		p := anchors.VOCSSDConfig()
		return &p, nil
	case model.ModelNameFCOS:
		p := fcos.DefaultParams()
		return &p, nil
	case model.ModelNameCenterNet:
		p := centernet.DefaultParams()
		return &p, nil
	case model.ModelNameEfficientDet:
		p := efficientdet.DefaultParams()
		return &p, nil
	case model.ModelNameUnet:
		p := unet.DefaultParams()
		return &p, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedModel, "%q", name)
	}
}

// NewDecoder creates a decoder instance based on the specified name.
//
// Every call returns a fresh decoder with its own anchor cache; share one
// decoder across the frames of a model to reuse generated anchors.
//
// Arguments:
//   - args: The decoder name, parameters and options.
//
// Returns:
//   - model.Decoder: The decoder.
//   - error: ErrUnsupportedModel for an unknown name, or
//     model.ErrInvalidConfig for parameters of the wrong type or value.
//
// Example:
//
// ```go
//
//	d, err := NewDecoder(NewDecoderArgs{Name: model.ModelNameYOLOv5})
//	if err != nil {
//	    log.Fatalf("Failed to create decoder: %v", err)
//	}
//	out, err := d.Decode(ctx, outputs, &cfg)
//
// ```
func NewDecoder(args NewDecoderArgs) (model.Decoder, error) {
	switch args.Name {
	case model.ModelNameYOLOv3:
		p, err := paramsAs(args, yolov3.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(yolov3.New(p, args.Options))
	case model.ModelNameYOLOv5:
		p, err := paramsAs(args, yolov5.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(yolov5.New(p, args.Options))
	case model.ModelNameSSD:
		p, err := paramsAs(args, anchors.VOCSSDConfig())
		if err != nil {
			return nil, err
		}
		return decoder(ssd.New(p, args.Options))
	case model.ModelNameFCOS:
		p, err := paramsAs(args, fcos.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(fcos.New(p, args.Options))
	case model.ModelNameCenterNet:
		p, err := paramsAs(args, centernet.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(centernet.New(p, args.Options))
	case model.ModelNameEfficientDet:
		p, err := paramsAs(args, efficientdet.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(efficientdet.New(p, args.Options))
	case model.ModelNameUnet:
		p, err := paramsAs(args, unet.DefaultParams())
		if err != nil {
			return nil, err
		}
		return decoder(unet.New(p, args.Options))
	default:
		return nil, errors.Wrapf(ErrUnsupportedModel, "%q", args.Name)
	}
}

// decoder converts a constructor result to the interface without turning a
// nil pointer into a non-nil interface.
func decoder[D model.Decoder](d D, err error) (model.Decoder, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

func paramsAs[T any](args NewDecoderArgs, def T) (T, error) {
	switch p := args.Params.(type) {
	case nil:
		return def, nil
	case T:
		return p, nil
	case *T:
		if p == nil {
			return def, nil
		}
		return *p, nil
	default:
		return def, errors.Wrapf(model.ErrInvalidConfig, "%s cannot use parameters of type %T", args.Name, args.Params)
	}
}

// LabelsFor returns the label table of a decoder's class ids.
//
// Arguments:
//   - name: The decoder name.
//
// Returns:
//   - *OutputClassSet: The label table.
//   - error: ErrUnsupportedModel for an unknown name, or ErrUnknownClass
//     for decoders whose ids are not labels.
func LabelsFor(name model.Name) (*OutputClassSet, error) {
	d, err := NewDecoder(NewDecoderArgs{Name: name})
	if err != nil {
		return nil, err
	}
	return Classes.Set(d.Family())
}
