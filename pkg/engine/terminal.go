package engine

import (
	"bytes"

	"github.com/marmos91/fabstream/internal/logger"
)

// Pattern is the payload the test terminals produce and verify.
const Pattern = "If this message was received in error then please " +
	"print it out and shred it."

// Terminal is the payload source or sink behind the data plane. Trade
// moves buffers between the two shuttle FIFOs of a session: the source
// fills buffers from ready and hands them to completed; the sink drains
// and verifies them. End means the terminal will produce or accept no
// more bytes.
type Terminal interface {
	Trade(ready, completed *FIFO) Control
	EOF() bool
}

// Source produces entireLen bytes of the repeated pattern.
type Source struct {
	eof       bool
	idx       int
	pattern   []byte
	entireLen int
}

// NewSource creates a source producing entireLen bytes.
func NewSource(pattern string, entireLen int) *Source {
	return &Source{pattern: []byte(pattern), entireLen: entireLen}
}

// EOF reports whether the source is drained.
func (s *Source) EOF() bool { return s.eof }

// Trade fills each ready buffer from the pattern and moves it to
// completed. Returns End once the source has produced all its bytes.
func (s *Source) Trade(ready, completed *FIFO) Control {
	if s.eof {
		return End
	}

	for {
		h := ready.Peek()
		if h == nil || completed.Full() {
			break
		}
		if s.idx == s.entireLen {
			s.eof = true
			return End
		}

		h.Nused = min(s.entireLen-s.idx, h.Nallocated)
		for ofs := 0; ofs < h.Nused; {
			po := (s.idx + ofs) % len(s.pattern)
			n := min(h.Nused-ofs, len(s.pattern)-po)
			copy(h.Payload[ofs:ofs+n], s.pattern[po:po+n])
			ofs += n
		}

		ready.Get()
		completed.Put(h)
		s.idx += h.Nused
	}

	if s.idx != s.entireLen {
		return Continue
	}
	s.eof = true
	return End
}

// Sink consumes and verifies entireLen bytes of the repeated pattern.
type Sink struct {
	eof       bool
	idx       int
	pattern   []byte
	entireLen int
}

// NewSink creates a sink expecting entireLen bytes.
func NewSink(pattern string, entireLen int) *Sink {
	return &Sink{pattern: []byte(pattern), entireLen: entireLen}
}

// EOF reports whether the sink has seen all its bytes.
func (s *Sink) EOF() bool { return s.eof }

// Received returns the number of bytes the sink has verified so far.
func (s *Sink) Received() int { return s.idx }

// Trade verifies each ready buffer against the pattern and moves it to
// completed. Returns Error on any byte mismatch or overrun, End once the
// sink has seen all its bytes.
func (s *Sink) Trade(ready, completed *FIFO) Control {
	if s.eof && !ready.Empty() {
		logger.Error("payload received past sink EOF")
		return Error
	}

	for {
		h := ready.Peek()
		if h == nil || completed.Full() {
			break
		}
		if h.Nused+s.idx > s.entireLen {
			logger.Error("payload overruns expected length",
				"nused", h.Nused, "idx", s.idx, "entirelen", s.entireLen)
			return Error
		}

		for ofs := 0; ofs < h.Nused; {
			po := (s.idx + ofs) % len(s.pattern)
			n := min(h.Nused-ofs, len(s.pattern)-po)
			if !bytes.Equal(h.Payload[ofs:ofs+n], s.pattern[po:po+n]) {
				logger.Error("unexpected received payload", "offset", s.idx+ofs)
				return Error
			}
			ofs += n
		}

		ready.Get()
		completed.Put(h)
		s.idx += h.Nused
	}

	if s.idx != s.entireLen {
		return Continue
	}
	s.eof = true
	return End
}
