package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/events"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

var ErrFrameTooLarge = errors.New("frame too large")

// Receiver takes stripped bulk frames. On a nil return it owns the buffer.
type Receiver interface {
	Input(b *buffer.Buffer) error
}

type Config struct {
	Logger       types.Logger
	Allocator    *buffer.Allocator
	Frame        *frame.Config
	ControlQueue int
	BulkQueue    int
	IdleTimeout  time.Duration
}

func NewDefaultConfig() *Config {
	return &Config{
		Allocator:    buffer.Default,
		Frame:        frame.NewDefaultConfig(),
		ControlQueue: 4,
		BulkQueue:    16,
		IdleTimeout:  30 * time.Second,
	}
}

func (c *Config) WithLogger(l types.Logger) *Config {
	c.Logger = l
	return c
}

/**
 * Engine owns the bus. It is the only thing that ever runs a transaction,
 * so control and bulk traffic are serialized through its loop.
 *
 */
type Engine struct {
	uuid      uuid.UUID
	log       types.Logger
	config    *Config
	alloc     *buffer.Allocator
	bus       frame.Bus
	conn      *frame.Conn
	word      *events.Word
	control   *Queue
	bulk      *Queue
	responses chan<- *buffer.Buffer
	receiver  atomic.Pointer[receiverBox]
	txWaiting atomic.Int32
	rxWaiting atomic.Int32

	metricIterations         uint64
	metricIdleTimeouts       uint64
	metricTxControl          uint64
	metricTxBulk             uint64
	metricRxFrames           uint64
	metricTransactionErrors  uint64
	metricBulkIn             uint64
	metricBulkInDropped      uint64
	metricBulkAcks           uint64
	metricBulkAckErrors      uint64
	metricResponsesForwarded uint64
	metricResponsesDropped   uint64
	metricCounterResets      uint64
	metricBadPackets         uint64
	metricEdges              uint64
	metricDMAErrors          uint64
}

type receiverBox struct {
	r Receiver
}

type EngineMetrics struct {
	Iterations         uint64
	IdleTimeouts       uint64
	TxControl          uint64
	TxBulk             uint64
	RxFrames           uint64
	TransactionErrors  uint64
	BulkIn             uint64
	BulkInDropped      uint64
	BulkAcks           uint64
	BulkAckErrors      uint64
	ResponsesForwarded uint64
	ResponsesDropped   uint64
	CounterResets      uint64
	BadPackets         uint64
	Edges              uint64
	DMAErrors          uint64
	TxWaiting          int32
	RxWaiting          int32
	ControlQueued      int
	BulkQueued         int
	Frame              *frame.ConnMetrics
}

// NewEngine registers the engine as the bus handler. Responses and events
// that are neither bulk data nor bulk acks are sent to responses.
func NewEngine(bus frame.Bus, responses chan<- *buffer.Buffer, config *Config) *Engine {
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.Allocator == nil {
		config.Allocator = buffer.Default
	}
	if config.Frame == nil {
		config.Frame = frame.NewDefaultConfig()
	}
	word := events.NewWord()
	e := &Engine{
		uuid:      uuid.New(),
		log:       config.Logger,
		config:    config,
		alloc:     config.Allocator,
		bus:       bus,
		conn:      frame.NewConn(bus, word, config.Frame),
		word:      word,
		control:   NewQueue(config.ControlQueue),
		bulk:      NewQueue(config.BulkQueue),
		responses: responses,
	}
	bus.SetHandler(e)
	return e
}

func (e *Engine) SetReceiver(r Receiver) {
	e.receiver.Store(&receiverBox{r: r})
}

func (e *Engine) Allocator() *buffer.Allocator {
	return e.alloc
}

func (e *Engine) Word() *events.Word {
	return e.word
}

func (e *Engine) TxWaiting() int {
	return int(e.txWaiting.Load())
}

// SubmitControl queues a command. On success the engine owns b.
func (e *Engine) SubmitControl(ctx context.Context, b *buffer.Buffer, timeout time.Duration) error {
	return e.submit(ctx, e.control, b, timeout)
}

// SubmitBulk queues a bulk frame. On success the engine owns b.
func (e *Engine) SubmitBulk(ctx context.Context, b *buffer.Buffer, timeout time.Duration) error {
	return e.submit(ctx, e.bulk, b, timeout)
}

func (e *Engine) submit(ctx context.Context, q *Queue, b *buffer.Buffer, timeout time.Duration) error {
	if b.Len() >= e.config.Frame.MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, b.Len())
	}
	err := q.Push(ctx, b, timeout)
	if err != nil {
		return err
	}
	// Counter after the push, so a nonzero count always has something queued
	e.txWaiting.Add(1)
	e.word.Post(events.TxQueued)
	return nil
}

func (e *Engine) OnEdge(line frame.Line, asserted bool) {
	atomic.AddUint64(&e.metricEdges, 1)
	if !asserted {
		return
	}
	switch line {
	case frame.LineFlow:
		e.word.Post(events.FlowAsserted)
	case frame.LineNotify:
		e.rxWaiting.Add(1)
		e.word.Post(events.DataWaiting)
	}
}

func (e *Engine) OnDone() {
	e.word.Post(events.DMADone)
}

func (e *Engine) OnError(_ error) {
	atomic.AddUint64(&e.metricDMAErrors, 1)
	e.word.Post(events.DMAError)
}

func (e *Engine) GetMetrics() *EngineMetrics {
	return &EngineMetrics{
		Iterations:         atomic.LoadUint64(&e.metricIterations),
		IdleTimeouts:       atomic.LoadUint64(&e.metricIdleTimeouts),
		TxControl:          atomic.LoadUint64(&e.metricTxControl),
		TxBulk:             atomic.LoadUint64(&e.metricTxBulk),
		RxFrames:           atomic.LoadUint64(&e.metricRxFrames),
		TransactionErrors:  atomic.LoadUint64(&e.metricTransactionErrors),
		BulkIn:             atomic.LoadUint64(&e.metricBulkIn),
		BulkInDropped:      atomic.LoadUint64(&e.metricBulkInDropped),
		BulkAcks:           atomic.LoadUint64(&e.metricBulkAcks),
		BulkAckErrors:      atomic.LoadUint64(&e.metricBulkAckErrors),
		ResponsesForwarded: atomic.LoadUint64(&e.metricResponsesForwarded),
		ResponsesDropped:   atomic.LoadUint64(&e.metricResponsesDropped),
		CounterResets:      atomic.LoadUint64(&e.metricCounterResets),
		BadPackets:         atomic.LoadUint64(&e.metricBadPackets),
		Edges:              atomic.LoadUint64(&e.metricEdges),
		DMAErrors:          atomic.LoadUint64(&e.metricDMAErrors),
		TxWaiting:          e.txWaiting.Load(),
		RxWaiting:          e.rxWaiting.Load(),
		ControlQueued:      e.control.Len(),
		BulkQueued:         e.bulk.Len(),
		Frame:              e.conn.GetMetrics(),
	}
}

// Run drives the bus until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.log != nil {
		e.log.Debug().Str("uuid", e.uuid.String()).Msg("dataplane started")
	}
	for {
		if ctx.Err() != nil {
			if e.log != nil {
				e.log.Debug().Str("uuid", e.uuid.String()).Err(ctx.Err()).Msg("dataplane stopped")
			}
			return ctx.Err()
		}
		e.step(ctx)
	}
}

// Close releases anything still queued. Call once Run has returned.
func (e *Engine) Close() {
	n := e.control.Drain() + e.bulk.Drain()
	e.txWaiting.Store(0)
	if n > 0 && e.log != nil {
		e.log.Debug().Str("uuid", e.uuid.String()).Int("buffers", n).Msg("dataplane drained queues")
	}
}

func (e *Engine) peerReady() bool {
	return e.rxWaiting.Load() > 0 || e.bus.Line(frame.LineNotify)
}

func (e *Engine) step(ctx context.Context) {
	atomic.AddUint64(&e.metricIterations, 1)

	if e.peerReady() || e.txWaiting.Load() > 0 {
		e.word.Take(events.DataWaiting | events.TxQueued)
	} else {
		_, err := e.word.Wait(ctx, events.DataWaiting|events.TxQueued, e.config.IdleTimeout)
		if errors.Is(err, events.ErrTimeout) {
			atomic.AddUint64(&e.metricIdleTimeouts, 1)
		} else if err != nil {
			return
		}
	}

	// Read the counter before peeking. Submitters push before they count, so
	// a nonzero count with nothing to peek can only be a bookkeeping fault.
	waiting := e.txWaiting.Load()
	if !e.peerReady() && waiting == 0 {
		return
	}

	q := e.control
	tx := q.Peek()
	if tx == nil {
		q = e.bulk
		tx = q.Peek()
	}
	if tx == nil && waiting > 0 {
		atomic.AddUint64(&e.metricCounterResets, 1)
		if e.log != nil {
			e.log.Warn().Str("uuid", e.uuid.String()).Int("waiting", int(waiting)).Msg("tx counter set with nothing queued, resetting")
		}
		e.txWaiting.Store(0)
		if !e.peerReady() {
			return
		}
	}

	txLen := 0
	if tx != nil {
		txLen = tx.Len()
	}

	tr, err := e.conn.Begin(ctx, txLen)
	if err != nil {
		// Nothing has been dequeued, the peeked buffer is tried again next time
		atomic.AddUint64(&e.metricTransactionErrors, 1)
		if e.log != nil {
			e.log.Debug().Str("uuid", e.uuid.String()).Int("txlen", txLen).Err(err).Msg("header exchange failed")
		}
		return
	}

	var rx *buffer.Buffer
	var rxBytes []byte
	if tr.RxLen > 0 {
		rx = e.alloc.New(buffer.RoleRx, tr.RxLen)
		rxBytes = rx.Bytes()
	}

	var txBytes []byte
	if tx != nil {
		popped := q.Pop()
		if popped != tx && e.log != nil {
			e.log.Warn().Str("uuid", e.uuid.String()).Msg("queue head changed between peek and pop")
		}
		tx = popped
		txBytes = tx.Bytes()
	}

	err = tr.Payload(ctx, txBytes, rxBytes)
	tr.End()

	if tx != nil {
		if tx.Role() == buffer.RoleTxBulk {
			atomic.AddUint64(&e.metricTxBulk, 1)
		} else {
			atomic.AddUint64(&e.metricTxControl, 1)
		}
		tx.Release()
		decrementFloor(&e.txWaiting)
	}

	if rx == nil {
		if err != nil {
			atomic.AddUint64(&e.metricTransactionErrors, 1)
		}
		// The peer has nothing to send, so any counted notify edge was stale
		if pending := e.rxWaiting.Load(); pending > 0 {
			atomic.AddUint64(&e.metricCounterResets, 1)
			if e.log != nil {
				e.log.Warn().Str("uuid", e.uuid.String()).Int("waiting", int(pending)).Msg("rx counter set with nothing to read, resetting")
			}
			e.rxWaiting.Store(0)
		}
		return
	}
	decrementFloor(&e.rxWaiting)

	if err != nil {
		atomic.AddUint64(&e.metricTransactionErrors, 1)
		if e.log != nil {
			e.log.Debug().Str("uuid", e.uuid.String()).Int("rxlen", tr.RxLen).Err(err).Msg("payload transfer failed")
		}
		rx.Release()
		return
	}

	atomic.AddUint64(&e.metricRxFrames, 1)
	e.classify(rx)
}

// classify takes ownership of rx.
func (e *Engine) classify(rx *buffer.Buffer) {
	h, err := packets.DecodeHeader(rx.Bytes())
	if err != nil {
		atomic.AddUint64(&e.metricBadPackets, 1)
		if e.log != nil {
			e.log.Warn().Str("uuid", e.uuid.String()).Int("length", rx.Len()).Msg("runt packet from peer")
		}
		rx.Release()
		return
	}

	switch h.API {
	case packets.APIBypassIn:
		e.deliverBulk(rx)

	case packets.APIBypassOut:
		atomic.AddUint64(&e.metricBulkAcks, 1)
		ack, err := packets.DecodeBulkAck(rx.Bytes())
		if err != nil {
			atomic.AddUint64(&e.metricBadPackets, 1)
		} else if ack.Status != packets.StatusOK {
			atomic.AddUint64(&e.metricBulkAckErrors, 1)
			if e.log != nil {
				e.log.Error().Str("uuid", e.uuid.String()).Uint32("id", ack.RequestID).Int("status", int(ack.Status)).Msg("peer rejected bulk frame")
			}
		}
		rx.Release()

	default:
		select {
		case e.responses <- rx:
			atomic.AddUint64(&e.metricResponsesForwarded, 1)
		default:
			atomic.AddUint64(&e.metricResponsesDropped, 1)
			if e.log != nil {
				e.log.Warn().Str("uuid", e.uuid.String()).Uint32("id", h.RequestID).Str("api", h.API.String()).Msg("response pipe full, dropping")
			}
			rx.Release()
		}
	}
}

func (e *Engine) deliverBulk(rx *buffer.Buffer) {
	env, err := packets.DecodeEnvelope(rx.Bytes())
	if err == nil {
		err = rx.Trim(packets.EnvelopeSize)
	}
	if err == nil {
		err = rx.Truncate(int(env.DataLen))
	}
	if err != nil {
		atomic.AddUint64(&e.metricBadPackets, 1)
		rx.Release()
		return
	}

	box := e.receiver.Load()
	if box == nil {
		atomic.AddUint64(&e.metricBulkInDropped, 1)
		rx.Release()
		return
	}
	err = box.r.Input(rx)
	if err != nil {
		atomic.AddUint64(&e.metricBulkInDropped, 1)
		rx.Release()
		return
	}
	atomic.AddUint64(&e.metricBulkIn, 1)
}

func decrementFloor(v *atomic.Int32) {
	for {
		n := v.Load()
		if n <= 0 {
			return
		}
		if v.CompareAndSwap(n, n-1) {
			return
		}
	}
}
