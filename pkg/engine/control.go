package engine

import (
	"os"

	"github.com/marmos91/fabstream/internal/logger"
)

// Control is the tristate every step function returns. Continue keeps the
// session scheduled, End retires it cleanly, Error retires it and marks the
// owning worker failed.
type Control int

const (
	Continue Control = iota
	End
	Error
)

func (c Control) String() string {
	switch c {
	case Continue:
		return "continue"
	case End:
		return "end"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// fatalf reports a broken engine invariant and kills the process. Once a
// posted-FIFO head mismatches its completion or a completion carries
// impossible flags, buffer ownership can no longer be trusted.
func fatalf(msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
