package speculative

import "errors"

var (
	// ErrEmptyDraft is returned when a Coordinator is asked to run a
	// round with K <= 0.
	ErrEmptyDraft = errors.New("speculative: draft length K must be positive")

	// ErrRowCountMismatch is returned when VerifyAndSample's main/draft
	// probability rows don't line up with the drafted token count.
	ErrRowCountMismatch = errors.New("speculative: mismatched probability row count")
)
