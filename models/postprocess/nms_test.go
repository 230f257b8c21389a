package postprocess

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/nvr-ai/go-postprocess/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2, score float32, class int) Detection {
	return Detection{Box: images.Box{Xmin: x1, Ymin: y1, Xmax: x2, Ymax: y2}, Score: score, Class: class}
}

// TestNMSHighOverlap validates that of two boxes with IoU 0.9 only the
// higher scored one survives a 0.5 threshold.
func TestNMSHighOverlap(t *testing.T) {
	// Same height, widths 100 and 90 sharing the left edge: IoU = 90 / 100.
	a := det(0, 0, 100, 100, 0.9, 1)
	b := det(0, 0, 90, 100, 0.8, 1)
	require.InDelta(t, 0.9, images.CalculateIoU(a.Box, b.Box), 1e-6)

	out := ApplyGreedyNMS([]Detection{b, a}, &NMSConfig{IoUThreshold: 0.5, TopK: 10})
	require.Len(t, out, 1, "The lower scored overlapping box should be suppressed")
	assert.Equal(t, float32(0.9), out[0].Score)
}

// TestNMSLowOverlap validates that two boxes with IoU 0.1 both survive.
func TestNMSLowOverlap(t *testing.T) {
	// Two 110x100 boxes overlapping by 20 columns: 2000 / (22000 - 2000) = 0.1.
	a := det(0, 0, 110, 100, 0.9, 1)
	b := det(90, 0, 200, 100, 0.8, 1)
	iou := images.CalculateIoU(a.Box, b.Box)
	require.InDelta(t, 0.1, iou, 1e-6)

	out := ApplyGreedyNMS([]Detection{a, b}, &NMSConfig{IoUThreshold: 0.5, TopK: 10})
	require.Len(t, out, 2, "Boxes with low overlap should both survive")
	assert.Equal(t, float32(0.9), out[0].Score, "Output should be in descending score order")
	assert.Equal(t, float32(0.8), out[1].Score)
}

// TestNMSClassAware validates that overlapping boxes of different classes
// only suppress each other when cross-class suppression is enabled.
func TestNMSClassAware(t *testing.T) {
	in := func() []Detection {
		return []Detection{
			det(0, 0, 100, 100, 0.9, 1),
			det(0, 0, 100, 100, 0.8, 2),
		}
	}

	aware := ApplyGreedyNMS(in(), &NMSConfig{IoUThreshold: 0.5})
	assert.Len(t, aware, 2, "Different classes should not suppress each other")

	cross := ApplyGreedyNMS(in(), &NMSConfig{IoUThreshold: 0.5, CrossClass: true})
	require.Len(t, cross, 1)
	assert.Equal(t, 1, cross[0].Class)
}

// TestNMSTopK validates that suppression stops after TopK accepted boxes.
func TestNMSTopK(t *testing.T) {
	var in []Detection
	for i := 0; i < 10; i++ {
		x := float32(i * 200)
		in = append(in, det(x, 0, x+100, 100, float32(i)/10, 0))
	}

	out := ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 0.5, TopK: 3})
	require.Len(t, out, 3)
	assert.Equal(t, []float32{0.9, 0.8, 0.7}, []float32{out[0].Score, out[1].Score, out[2].Score})
}

// TestNMSMaxCandidates validates the pre-suppression candidate cap keeps the
// highest scores.
func TestNMSMaxCandidates(t *testing.T) {
	var in []Detection
	for i := 0; i < 500; i++ {
		x := float32(i * 200)
		in = append(in, det(x, 0, x+100, 100, float32(i)/1000, 0))
	}

	out := ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 0.5, MaxCandidates: MaxNMSInput})
	require.Len(t, out, MaxNMSInput)
	assert.InDelta(t, 0.499, out[0].Score, 1e-6)
	assert.InDelta(t, 0.1, out[len(out)-1].Score, 1e-6)
}

// TestNMSDegenerateBoxes validates that zero-area boxes neither suppress nor
// get suppressed.
func TestNMSDegenerateBoxes(t *testing.T) {
	in := []Detection{
		det(10, 10, 10, 50, 0.9, 0),
		det(0, 0, 100, 100, 0.8, 0),
		det(20, 20, 20, 20, 0.7, 0),
	}
	out := ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 0.1})
	assert.Len(t, out, 3)
}

// TestNMSEmpty validates that empty input returns nil.
func TestNMSEmpty(t *testing.T) {
	assert.Nil(t, ApplyGreedyNMS(nil, &NMSConfig{IoUThreshold: 0.5}))
}

func randomDetections(r *rand.Rand, n int) []Detection {
	dets := make([]Detection, n)
	for i := range dets {
		x := r.Float32() * 500
		y := r.Float32() * 500
		w := 20 + r.Float32()*100
		h := 20 + r.Float32()*100
		// Distinct scores keep the accepted set independent of tie-breaking.
		dets[i] = det(x, y, x+w, y+h, float32(i+1)/float32(n+1), r.Intn(3))
	}
	return dets
}

// TestNMSIdempotent validates that running NMS on its own output changes nothing.
func TestNMSIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, cross := range []bool{false, true} {
		cfg := &NMSConfig{IoUThreshold: 0.45, CrossClass: cross}
		first := ApplyGreedyNMS(randomDetections(r, 300), cfg)
		second := ApplyGreedyNMS(slices.Clone(first), cfg)
		assert.Equal(t, first, second, "NMS output should be a fixed point (cross=%v)", cross)
	}
}

// TestNMSOrderInvariant validates that shuffling the input does not change
// the accepted set.
func TestNMSOrderInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	base := randomDetections(r, 200)
	cfg := &NMSConfig{IoUThreshold: 0.5, TopK: 50}

	want := ApplyGreedyNMS(slices.Clone(base), cfg)
	for i := 0; i < 5; i++ {
		shuffled := slices.Clone(base)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, ApplyGreedyNMS(shuffled, cfg))
	}
}

// TestSortByScoreStable validates that equal scores keep insertion order.
func TestSortByScoreStable(t *testing.T) {
	in := []Detection{
		det(0, 0, 1, 1, 0.5, 1),
		det(0, 0, 1, 1, 0.9, 2),
		det(0, 0, 1, 1, 0.5, 3),
		det(0, 0, 1, 1, 0.5, 4),
	}
	SortByScore(in)
	assert.Equal(t, []int{2, 1, 3, 4}, []int{in[0].Class, in[1].Class, in[2].Class, in[3].Class})
}
