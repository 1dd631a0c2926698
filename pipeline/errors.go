package pipeline

import "errors"

var (
	// ErrAlreadyGenerating is returned when Generate is called while a
	// previous Generate call on the same Pipeline hasn't finished.
	ErrAlreadyGenerating = errors.New("pipeline: generate already in progress")

	// ErrNotLoaded is returned when Generate/Reset/Unload run before
	// LoadModel has populated the pipeline.
	ErrNotLoaded = errors.New("pipeline: model not loaded")

	// ErrUnknownWeight is returned by WeightRegistry.Get for a name the
	// shard loader never populated.
	ErrUnknownWeight = errors.New("pipeline: unknown weight name")

	// ErrMissingDraftModel is returned when speculative decoding is
	// requested but the descriptor has no draft_model.
	ErrMissingDraftModel = errors.New("pipeline: use_speculative set but no draft_model configured")
)
