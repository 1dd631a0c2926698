package sample

import "errors"

var (
	// ErrEmptyLogits is returned when Sample is asked to choose from a
	// zero-length logits vector.
	ErrEmptyLogits = errors.New("sample: empty logits vector")

	// ErrInvalidTopP is not returned by Sample or GPUSample, which
	// treat a top_p <= 0 or >= 1 as disabling nucleus filtering.
	ErrInvalidTopP = errors.New("sample: top_p must be in (0, 1]")
)
