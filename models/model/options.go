// Package model - Numeric precision options.
package model

import (
	"strings"

	"github.com/nvr-ai/go-postprocess/models/postprocess"
	"github.com/pkg/errors"
)

// Precision selects how exponentials are evaluated while decoding.
type Precision string

const (
	// PrecisionDefault leaves the choice to the decoder.
	PrecisionDefault Precision = ""
	// PrecisionExact evaluates exp with the math library.
	PrecisionExact Precision = "exact"
	// PrecisionFast uses the bit-manipulation approximation. Detections near
	// the score threshold may differ from PrecisionExact.
	PrecisionFast Precision = "fast"
)

// Strategy returns the activation strategy for the precision.
//
// Arguments:
//   - def: The decoder's strategy, used for PrecisionDefault.
//
// Returns:
//   - postprocess.ExpStrategy: The strategy.
func (p Precision) Strategy(def postprocess.ExpStrategy) postprocess.ExpStrategy {
	switch p {
	case PrecisionFast:
		return postprocess.ExpFast
	case PrecisionExact:
		return postprocess.ExpExact
	default:
		return def
	}
}

// ParsePrecision parses "exact" or "fast". The empty string is
// PrecisionDefault.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(strings.ToLower(s)) {
	case PrecisionDefault:
		return PrecisionDefault, nil
	case PrecisionExact:
		return PrecisionExact, nil
	case PrecisionFast:
		return PrecisionFast, nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "precision %q", s)
	}
}
