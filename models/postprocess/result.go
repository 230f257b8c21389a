// Package postprocess - Shared detection types, activations and suppression.
package postprocess

import "github.com/nvr-ai/go-postprocess/images"

// Detection represents a single detection result in original image pixels.
type Detection struct {
	// The bounding box of the detection.
	Box images.Box `json:"bbox" yaml:"bbox" msgpack:"bbox"`
	// The confidence score of the detection in [0, 1].
	Score float32 `json:"score" yaml:"score" msgpack:"score"`
	// The predicted class index of the detection.
	Class int `json:"id" yaml:"id" msgpack:"id"`
}

// SegmentationMap is a per-pixel class map produced by segmentation models.
type SegmentationMap struct {
	// Labels holds Width*Height class ids in row-major order.
	Labels []int `json:"labels" yaml:"labels" msgpack:"labels"`
	// Width of the map in pixels.
	Width int `json:"width" yaml:"width" msgpack:"width"`
	// Height of the map in pixels.
	Height int `json:"height" yaml:"height" msgpack:"height"`
	// NumClasses is the number of channels the labels were chosen from.
	NumClasses int `json:"numClasses" yaml:"numClasses" msgpack:"numClasses"`
}

// At returns the class id at column x and row y.
func (m *SegmentationMap) At(x, y int) int {
	return m.Labels[y*m.Width+x]
}

// Output is the result of decoding one frame. Exactly one of Detections or
// Segmentation is populated.
type Output struct {
	// Detections in descending score order.
	Detections []Detection `json:"detections,omitempty" yaml:"detections,omitempty" msgpack:"detections,omitempty"`
	// Segmentation is the label map of segmentation models.
	Segmentation *SegmentationMap `json:"segmentation,omitempty" yaml:"segmentation,omitempty" msgpack:"segmentation,omitempty"`
}
