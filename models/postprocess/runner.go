package postprocess

import (
	"context"

	"github.com/nvr-ai/go-postprocess/inference/tensors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LayerFunc decodes one output layer and appends its candidates to acc.
type LayerFunc func(layer int, acc []Detection) ([]Detection, error)

// Runner decodes the output layers of one frame into a single candidate list.
type Runner struct {
	// Logger receives diagnostics for skipped layers.
	Logger *zap.Logger
	// Workers is the number of layers decoded concurrently. Values below 2
	// decode sequentially.
	Workers int
}

// Run calls fn for layers 0..layers-1 and concatenates their candidates in
// layer order.
//
// Layers failing with an unsupported quantization or layout are logged and
// contribute nothing. Any other error aborts the frame.
//
// Arguments:
//   - ctx: The context for the frame.
//   - layers: The number of output layers.
//   - fn: The per-layer decoder.
//
// Returns:
//   - []Detection: The merged candidates.
//   - error: The first non-recoverable layer error.
func (r *Runner) Run(ctx context.Context, layers int, fn LayerFunc) ([]Detection, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if r.Workers < 2 || layers < 2 {
		var acc []Detection
		for layer := 0; layer < layers; layer++ {
			out, err := fn(layer, acc)
			if err != nil {
				if !tensors.Recoverable(err) {
					return nil, err
				}
				logger.Warn("skipping output layer", zap.Int("layer", layer), zap.Error(err))
				continue
			}
			acc = out
		}
		return acc, nil
	}

	perLayer := make([][]Detection, layers)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers)

	for layer := 0; layer < layers; layer++ {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := fn(layer, nil)
			if err != nil {
				if !tensors.Recoverable(err) {
					return err
				}
				logger.Warn("skipping output layer", zap.Int("layer", layer), zap.Error(err))
				return nil
			}
			perLayer[layer] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, dets := range perLayer {
		total += len(dets)
	}
	merged := make([]Detection, 0, total)
	for _, dets := range perLayer {
		merged = append(merged, dets...)
	}
	return merged, nil
}
