package moe

import "errors"

var (
	// ErrWeightsNotLoaded is returned by Route when the gate weight
	// matrix has not been set.
	ErrWeightsNotLoaded = errors.New("moe: gate weights not loaded")

	// ErrGpuUnavailable is returned when a caller requests GPU
	// dispatch for routing without a live device.
	ErrGpuUnavailable = errors.New("moe: gpu unavailable")
)
