package serialbridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/tarm/serial"
)

var ErrClosed = errors.New("bridge closed")
var ErrTimeout = errors.New("bridge did not reply")
var ErrBridge = errors.New("bridge reported an error")

type Config struct {
	Logger       types.Logger
	Device       string
	Baud         int
	ReplyTimeout time.Duration
}

func NewDefaultConfig(device string) *Config {
	return &Config{
		Device:       device,
		Baud:         921600,
		ReplyTimeout: 250 * time.Millisecond,
	}
}

/**
 * Bridge drives the co-processor through a USB to SPI bridge MCU. Each bus
 * operation is one request / reply over the serial link, and the bridge
 * pushes handshake line edges unprompted.
 *
 */
type Bridge struct {
	uuid    uuid.UUID
	log     types.Logger
	config  *Config
	port    io.ReadWriteCloser
	handler atomic.Pointer[handlerBox]

	opLock  sync.Mutex
	wLock   sync.Mutex
	replies chan *Message

	xferLock sync.Mutex
	xferRx   []byte
	xferBusy bool
	xferSeq  uint8

	closeOnce sync.Once
	closed    chan struct{}

	metricMessagesTx uint64
	metricMessagesRx uint64
	metricEdges      uint64
	metricStray      uint64
	metricAbandoned  uint64
}

type handlerBox struct {
	h frame.Handler
}

type Metrics struct {
	MessagesTx uint64
	MessagesRx uint64
	Edges      uint64
	Stray      uint64
	Abandoned  uint64
}

// Open opens the serial device and starts reading from it.
func Open(config *Config) (*Bridge, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name: config.Device,
		Baud: config.Baud,
		// The reader goroutine blocks, replies are timed by call
		ReadTimeout: 0,
	})
	if err != nil {
		return nil, err
	}
	return New(port, config), nil
}

func New(port io.ReadWriteCloser, config *Config) *Bridge {
	if config.ReplyTimeout == 0 {
		config.ReplyTimeout = 250 * time.Millisecond
	}
	b := &Bridge{
		uuid:    uuid.New(),
		log:     config.Logger,
		config:  config,
		port:    port,
		replies: make(chan *Message, 1),
		closed:  make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *Bridge) GetMetrics() *Metrics {
	return &Metrics{
		MessagesTx: atomic.LoadUint64(&b.metricMessagesTx),
		MessagesRx: atomic.LoadUint64(&b.metricMessagesRx),
		Edges:      atomic.LoadUint64(&b.metricEdges),
		Stray:      atomic.LoadUint64(&b.metricStray),
		Abandoned:  atomic.LoadUint64(&b.metricAbandoned),
	}
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.port.Close()
	})
	return err
}

func (b *Bridge) SetHandler(h frame.Handler) {
	b.handler.Store(&handlerBox{h: h})
}

func (b *Bridge) send(m *Message) error {
	b.wLock.Lock()
	defer b.wLock.Unlock()
	atomic.AddUint64(&b.metricMessagesTx, 1)
	return WriteMessage(b.port, m)
}

// call runs one synchronous request. Only one is outstanding at a time.
func (b *Bridge) call(op byte, data []byte) (*Message, error) {
	b.opLock.Lock()
	defer b.opLock.Unlock()

	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	err := b.send(&Message{Op: op, Data: data})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.config.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case m := <-b.replies:
			if m.Op != op {
				// A reply to an earlier call that timed out
				atomic.AddUint64(&b.metricStray, 1)
				continue
			}
			if m.Status != StatusOK {
				return nil, fmt.Errorf("%w: op 0x%02x status %d", ErrBridge, op, m.Status)
			}
			return m, nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: op 0x%02x", ErrTimeout, op)
		case <-b.closed:
			return nil, ErrClosed
		}
	}
}

func (b *Bridge) Select() error {
	_, err := b.call(OpSelect, nil)
	return err
}

func (b *Bridge) Deselect() {
	_, err := b.call(OpDeselect, nil)
	if err != nil && b.log != nil {
		b.log.Warn().Str("uuid", b.uuid.String()).Err(err).Msg("deselect failed")
	}
}

func (b *Bridge) Exchange(tx []byte, rx []byte) error {
	m, err := b.call(OpExchange, tx)
	if err != nil {
		return err
	}
	if len(m.Data) != len(rx) {
		return fmt.Errorf("%w: exchange returned %d bytes", ErrBridge, len(m.Data))
	}
	copy(rx, m.Data)
	return nil
}

// Line asks the bridge for the current level of a handshake line.
func (b *Bridge) Line(l frame.Line) bool {
	m, err := b.call(OpLines, nil)
	if err != nil || len(m.Data) < 2 {
		return false
	}
	return m.Data[l] != 0
}

// Start sends a transfer. The reply arrives on the reader goroutine, which
// fills rx and reports completion to the handler. The bus only ever has one
// transfer open, so a transfer still pending here was given up on by the
// caller. It is abandoned and its reply, if it ever comes, is stray.
func (b *Bridge) Start(tx []byte, rx []byte) error {
	b.xferLock.Lock()
	if b.xferBusy {
		atomic.AddUint64(&b.metricAbandoned, 1)
		if b.log != nil {
			b.log.Debug().Str("uuid", b.uuid.String()).Uint8("seq", b.xferSeq).Msg("abandoning unanswered transfer")
		}
	}
	b.xferSeq++
	seq := b.xferSeq
	b.xferBusy = true
	b.xferRx = rx
	b.xferLock.Unlock()

	err := b.send(&Message{Op: OpTransfer, Data: EncodeTransfer(seq, tx, len(rx))})
	if err != nil {
		b.xferLock.Lock()
		if b.xferSeq == seq {
			b.xferBusy = false
			b.xferRx = nil
		}
		b.xferLock.Unlock()
		return err
	}
	return nil
}

func (b *Bridge) completeTransfer(m *Message) {
	b.xferLock.Lock()
	if !b.xferBusy || len(m.Data) < 1 || m.Data[0] != b.xferSeq {
		b.xferLock.Unlock()
		atomic.AddUint64(&b.metricStray, 1)
		return
	}
	rx := b.xferRx
	b.xferBusy = false
	b.xferRx = nil
	b.xferLock.Unlock()

	hb := b.handler.Load()
	if hb == nil {
		return
	}
	data := m.Data[1:]
	if m.Status != StatusOK || len(data) != len(rx) {
		hb.h.OnError(fmt.Errorf("%w: transfer status %d", ErrBridge, m.Status))
		return
	}
	copy(rx, data)
	hb.h.OnDone()
}

func (b *Bridge) readLoop() {
	for {
		m, err := ReadMessage(b.port)
		if err != nil {
			select {
			case <-b.closed:
			default:
				if b.log != nil {
					b.log.Error().Str("uuid", b.uuid.String()).Err(err).Msg("bridge read failed")
				}
			}
			b.failTransfer(err)
			_ = b.Close()
			return
		}
		atomic.AddUint64(&b.metricMessagesRx, 1)

		switch m.Op {
		case OpEdge:
			atomic.AddUint64(&b.metricEdges, 1)
			if len(m.Data) >= 2 {
				if hb := b.handler.Load(); hb != nil {
					hb.h.OnEdge(frame.Line(m.Data[0]), m.Data[1] != 0)
				}
			}
		case OpTransfer:
			b.completeTransfer(m)
		default:
			select {
			case b.replies <- m:
			default:
				atomic.AddUint64(&b.metricStray, 1)
			}
		}
	}
}

func (b *Bridge) failTransfer(err error) {
	b.xferLock.Lock()
	busy := b.xferBusy
	b.xferBusy = false
	b.xferRx = nil
	b.xferLock.Unlock()
	if busy {
		if hb := b.handler.Load(); hb != nil {
			hb.h.OnError(err)
		}
	}
}
