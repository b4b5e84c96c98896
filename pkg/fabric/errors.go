package fabric

import "errors"

var (
	// ErrAgain is returned by non-blocking operations that would block.
	// Callers yield and retry on their next loop pass.
	ErrAgain = errors.New("fabric: try again")

	// ErrCanceled is carried by the completion of an operation that was
	// canceled before it finished.
	ErrCanceled = errors.New("fabric: operation canceled")

	// ErrClosed is returned by operations on a closed endpoint or queue.
	ErrClosed = errors.New("fabric: closed")

	// ErrNoCapability is returned by GetInfo when the provider cannot
	// satisfy the requested capability set.
	ErrNoCapability = errors.New("fabric: capability not available")
)
