package models

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnsupportedFormat is returned for unknown serialization formats.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Format is the external representation of a decoded frame.
type Format string

const (
	// FormatText is one `"<model>_result": [...]` line per frame.
	FormatText Format = "text"
	// FormatJSON is one JSON document per frame.
	FormatJSON Format = "json"
	// FormatMsgpack is one msgpack message per frame.
	FormatMsgpack Format = "msgpack"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatJSON, FormatMsgpack}

// ParseFormat returns the format with the given name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatText, FormatJSON, FormatMsgpack:
		return f, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "%q", s)
	}
}

// Result is a decoded frame tagged with the decoder that produced it.
type Result struct {
	// Model is the decoder name.
	Model model.Name
	// Family selects the label table used for class names.
	Family model.Family
	// Output is the decoded frame.
	Output *postprocess.Output
}

// ResultOf tags a decoded frame with the decoder's name and family.
func ResultOf(d model.Decoder, out *postprocess.Output) Result {
	return Result{Model: d.Name(), Family: d.Family(), Output: out}
}

// DetectionRecord is the serialized form of a detection.
type DetectionRecord struct {
	BBox  [4]float32 `json:"bbox" msgpack:"bbox"`
	Score float32    `json:"score" msgpack:"score"`
	ID    int        `json:"id" msgpack:"id"`
	Name  string     `json:"name,omitempty" msgpack:"name,omitempty"`
}

// Record is the serialized form of a frame in the structured formats.
type Record struct {
	Model        model.Name                   `json:"model" msgpack:"model"`
	Family       model.Family                 `json:"family" msgpack:"family"`
	Detections   []DetectionRecord            `json:"detections" msgpack:"detections"`
	Segmentation *postprocess.SegmentationMap `json:"segmentation,omitempty" msgpack:"segmentation,omitempty"`
}

// NewRecord resolves class names and flattens boxes.
//
// Arguments:
//   - r: The decoded frame.
//
// Returns:
//   - Record: The record. Detections is never nil.
func NewRecord(r Result) Record {
	rec := Record{Model: r.Model, Family: r.Family, Detections: []DetectionRecord{}}
	if r.Output == nil {
		return rec
	}
	for _, d := range r.Output.Detections {
		rec.Detections = append(rec.Detections, DetectionRecord{
			BBox:  [4]float32{d.Box.Xmin, d.Box.Ymin, d.Box.Xmax, d.Box.Ymax},
			Score: d.Score,
			ID:    d.Class,
			Name:  LookupName(r.Family, d.Class),
		})
	}
	rec.Segmentation = r.Output.Segmentation
	return rec
}

// Serialize writes a decoded frame in the given format.
//
// Arguments:
//   - w: The destination.
//   - r: The decoded frame.
//   - format: The external representation.
//
// Returns:
//   - error: ErrUnsupportedFormat, or the writer's error.
func Serialize(w io.Writer, r Result, format Format) error {
	switch format {
	case FormatText:
		return writeText(w, r)
	case FormatJSON:
		if err := json.NewEncoder(w).Encode(NewRecord(r)); err != nil {
			return errors.Wrap(err, "encode json result")
		}
		return nil
	case FormatMsgpack:
		if err := msgpack.NewEncoder(w).Encode(NewRecord(r)); err != nil {
			return errors.Wrap(err, "encode msgpack result")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
}

// resultKey is the key of the text format. EfficientDet keeps the
// underscored key existing consumers parse.
func resultKey(name model.Name) string {
	if name == model.ModelNameEfficientDet {
		return "efficient_det_result"
	}
	return string(name) + "_result"
}

func writeText(w io.Writer, r Result) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(strconv.Quote(resultKey(r.Model)))
	bw.WriteString(": [")

	switch {
	case r.Output != nil && r.Output.Segmentation != nil:
		for i, id := range r.Output.Segmentation.Labels {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(strconv.Itoa(id))
		}
	case r.Output != nil:
		for i, d := range r.Output.Detections {
			if i > 0 {
				bw.WriteByte(',')
			}
			fmt.Fprintf(bw, `{"bbox":[%.6f,%.6f,%.6f,%.6f],"score":%.6f,"id":%d,"name":%s}`,
				d.Box.Xmin, d.Box.Ymin, d.Box.Xmax, d.Box.Ymax, d.Score, d.Class,
				strconv.Quote(LookupName(r.Family, d.Class)))
		}
	}

	bw.WriteString("]\n")
	return errors.Wrap(bw.Flush(), "write text result")
}
