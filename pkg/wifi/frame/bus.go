package frame

// Line is one of the handshake inputs driven by the peer.
type Line uint8

const (
	// LineFlow is asserted when the peer is ready for the next phase.
	LineFlow = Line(0)
	// LineNotify is asserted while the peer has unsolicited data to send.
	LineNotify = Line(1)
)

func (l Line) String() string {
	switch l {
	case LineFlow:
		return "flow"
	case LineNotify:
		return "notify"
	}
	return "unknown"
}

// Handler receives bus callbacks. Implementations run in interrupt context
// on real hardware, so they must only post events and never block.
type Handler interface {
	OnEdge(line Line, asserted bool)
	OnDone()
	OnError(err error)
}

/**
 * Bus is the exclusive transport primitive under the frame protocol.
 *
 * Exchange blocks for the fixed size header phase. Start kicks one payload
 * transfer and reports completion exactly once through the handler, possibly
 * before Start returns. tx and rx are each either empty or the same length.
 */
type Bus interface {
	SetHandler(h Handler)
	Select() error
	Deselect()
	Exchange(tx []byte, rx []byte) error
	Start(tx []byte, rx []byte) error
	Line(l Line) bool
}
