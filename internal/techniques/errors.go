package techniques

import "errors"

// Technique registry errors.
var (
	// ErrNotFound is returned when a technique is not registered.
	ErrNotFound = errors.New("technique not found")

	// ErrIDEmpty is returned when an implementation has no identifier.
	ErrIDEmpty = errors.New("technique id cannot be empty")

	// ErrSourceEmpty is returned when an implementation has no source.
	ErrSourceEmpty = errors.New("technique source cannot be empty")

	// ErrParadigmUnknown is returned when an implementation targets no concrete paradigm.
	ErrParadigmUnknown = errors.New("technique paradigm must be precision or artistic")

	// ErrHashMismatch is returned when an implementation's hash does not match its source.
	ErrHashMismatch = errors.New("technique hash does not match source")

	// ErrConflict is returned when a different implementation already holds the id.
	// The existing implementation is kept and returned alongside the error.
	ErrConflict = errors.New("technique already registered with a different implementation")

	// ErrBadHeader is returned for technique files without a valid header.
	ErrBadHeader = errors.New("invalid technique file header")
)
