package engine

// Session binds a terminal to a connection through two shuttle FIFOs:
// readyForCxn carries buffers the connection may use (targets to advertise
// on the receive side, loads to write on the transmit side), and
// readyForTerminal carries buffers the terminal must consume or refill.
type Session struct {
	terminal Terminal
	cxn      *Conn

	readyForCxn      *FIFO
	readyForTerminal *FIFO
}

// sessionFIFODepth is the capacity of each shuttle FIFO.
const sessionFIFODepth = 64

// NewSession binds c and t into a schedulable session.
func NewSession(c *Conn, t Terminal) *Session {
	return &Session{
		terminal:         t,
		cxn:              c,
		readyForCxn:      mustFIFO(sessionFIFODepth),
		readyForTerminal: mustFIFO(sessionFIFODepth),
	}
}
