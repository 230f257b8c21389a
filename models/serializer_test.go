package models

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func detections() *postprocess.Output {
	return &postprocess.Output{Detections: []postprocess.Detection{
		{Box: images.Box{Xmin: 1, Ymin: 2.5, Xmax: 30, Ymax: 40.25}, Score: 0.875, Class: 0},
		{Box: images.Box{Xmin: 0, Ymin: 0, Xmax: 8, Ymax: 8}, Score: 0.5, Class: 2},
	}}
}

// TestSerializeText validates the line format per decoder.
func TestSerializeText(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name:   "yolov5",
			result: Result{Model: model.ModelNameYOLOv5, Family: model.ModelFamilyCOCO, Output: detections()},
			want: `"yolov5_result": [` +
				`{"bbox":[1.000000,2.500000,30.000000,40.250000],"score":0.875000,"id":0,"name":"person"},` +
				`{"bbox":[0.000000,0.000000,8.000000,8.000000],"score":0.500000,"id":2,"name":"car"}]` + "\n",
		},
		{
			name:   "ssd",
			result: Result{Model: model.ModelNameSSD, Family: model.ModelFamilyVOC, Output: detections()},
			want: `"ssd_result": [` +
				`{"bbox":[1.000000,2.500000,30.000000,40.250000],"score":0.875000,"id":0,"name":"aeroplane"},` +
				`{"bbox":[0.000000,0.000000,8.000000,8.000000],"score":0.500000,"id":2,"name":"bird"}]` + "\n",
		},
		{
			name:   "efficientdet empty",
			result: Result{Model: model.ModelNameEfficientDet, Family: model.ModelFamilyCOCO, Output: &postprocess.Output{}},
			want:   `"efficient_det_result": []` + "\n",
		},
		{
			name: "unet",
			result: Result{Model: model.ModelNameUnet, Family: model.ModelFamilyNone, Output: &postprocess.Output{
				Segmentation: &postprocess.SegmentationMap{Labels: []int{0, 3, 1, 1}, Width: 2, Height: 2, NumClasses: 4},
			}},
			want: `"unet_result": [0,3,1,1]` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Serialize(&buf, tt.result, FormatText))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

// TestSerializeStructured validates the JSON and msgpack records.
func TestSerializeStructured(t *testing.T) {
	r := Result{Model: model.ModelNameFCOS, Family: model.ModelFamilyCOCO, Output: detections()}
	want := NewRecord(r)
	require.Len(t, want.Detections, 2)
	assert.Equal(t, "person", want.Detections[0].Name)
	assert.Equal(t, [4]float32{1, 2.5, 30, 40.25}, want.Detections[0].BBox)

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, r, FormatJSON))
	var fromJSON Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, want, fromJSON)

	buf.Reset()
	require.NoError(t, Serialize(&buf, r, FormatMsgpack))
	var fromMsgpack Record
	require.NoError(t, msgpack.Unmarshal(buf.Bytes(), &fromMsgpack))
	assert.Equal(t, want, fromMsgpack)
}

// TestSerializeEmpty validates that a missing output serializes as an empty
// detection list.
func TestSerializeEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, Result{Model: model.ModelNameYOLOv3, Family: model.ModelFamilyCOCO}, FormatJSON))
	assert.JSONEq(t, `{"model":"yolov3","family":"coco","detections":[]}`, buf.String())
}

// TestParseFormat validates format names.
func TestParseFormat(t *testing.T) {
	for _, f := range Formats {
		got, err := ParseFormat(" " + string(f) + " ")
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	got, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, got)

	_, err = ParseFormat("xml")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.True(t, errors.Is(Serialize(&bytes.Buffer{}, Result{}, "xml"), ErrUnsupportedFormat))
}
