package tensors

import "github.com/pkg/errors"

var (
	// ErrUnsupportedQuantization is returned when a decoder has no loop for a
	// tensor's quantization mode or element type. The layer is skipped.
	ErrUnsupportedQuantization = errors.New("unsupported quantization")
	// ErrUnsupportedLayout is returned for layouts a decoder cannot index. The
	// layer is skipped.
	ErrUnsupportedLayout = errors.New("unsupported layout")
	// ErrMalformedShape is returned when a tensor's shape or the number of
	// tensors violates the decoder's contract. It aborts the frame.
	ErrMalformedShape = errors.New("malformed shape")
)

// Recoverable reports whether err only affects the layer that produced it.
//
// Arguments:
//   - err: The error returned by a layer decoder.
//
// Returns:
//   - bool: True for unsupported quantization or layout errors.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnsupportedQuantization) || errors.Is(err, ErrUnsupportedLayout)
}
