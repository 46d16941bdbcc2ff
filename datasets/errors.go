package datasets

import "errors"

// Sentinel errors returned (wrapped) by dataset construction and the
// statistics routines. Use errors.Is to test for them.
var (
	// ErrShapeMismatch reports an array whose size or rank does not match
	// the shape implied by the system metadata.
	ErrShapeMismatch = errors.New("datasets: array shape mismatch")

	// ErrSymmSections reports symmetry sections that do not sum to the
	// descriptor channel count.
	ErrSymmSections = errors.New("datasets: symmetry sections do not sum to channel count")

	// ErrChannelMismatch reports systems with different descriptor channel
	// widths combined into one reader.
	ErrChannelMismatch = errors.New("datasets: descriptor channel count mismatch between systems")

	// ErrNoSystems reports a reader left with no usable systems after
	// empty ones were dropped.
	ErrNoSystems = errors.New("datasets: no non-empty systems")
)
