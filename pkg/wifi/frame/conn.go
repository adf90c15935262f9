package frame

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/events"
)

var ErrFlowTimeout = errors.New("timed out waiting for flow control")
var ErrTransfer = errors.New("bus transfer failed")
var ErrTransferTimeout = errors.New("bus transfer timed out")

type Config struct {
	FlowTimeout     time.Duration
	TransferTimeout time.Duration
	MaxFrame        int
}

func NewDefaultConfig() *Config {
	return &Config{
		FlowTimeout:     50 * time.Millisecond,
		TransferTimeout: 100 * time.Millisecond,
		MaxFrame:        MaxFrame,
	}
}

// Conn runs frame protocol transactions over a bus. Only one transaction may
// be in progress at a time; the caller owns that exclusivity.
type Conn struct {
	bus    Bus
	word   *events.Word
	config *Config

	metricTransactions  uint64
	metricFramingErrors uint64
	metricFlowTimeouts  uint64
	metricBusErrors     uint64
	metricBytesTx       uint64
	metricBytesRx       uint64
}

type ConnMetrics struct {
	Transactions  uint64
	FramingErrors uint64
	FlowTimeouts  uint64
	BusErrors     uint64
	BytesTx       uint64
	BytesRx       uint64
}

func NewConn(bus Bus, word *events.Word, config *Config) *Conn {
	if config == nil {
		config = NewDefaultConfig()
	}
	return &Conn{
		bus:    bus,
		word:   word,
		config: config,
	}
}

func (c *Conn) Bus() Bus {
	return c.bus
}

func (c *Conn) GetMetrics() *ConnMetrics {
	return &ConnMetrics{
		Transactions:  atomic.LoadUint64(&c.metricTransactions),
		FramingErrors: atomic.LoadUint64(&c.metricFramingErrors),
		FlowTimeouts:  atomic.LoadUint64(&c.metricFlowTimeouts),
		BusErrors:     atomic.LoadUint64(&c.metricBusErrors),
		BytesTx:       atomic.LoadUint64(&c.metricBytesTx),
		BytesRx:       atomic.LoadUint64(&c.metricBytesRx),
	}
}

type Transaction struct {
	conn  *Conn
	TxLen int
	RxLen int
	ended bool
}

/**
 * Begin selects the peer, waits for flow control and swaps headers.
 *
 * On any failure the bus is released and no transaction is returned, which
 * callers treat as both lengths being zero.
 */
func (c *Conn) Begin(ctx context.Context, txLen int) (*Transaction, error) {
	if txLen < 0 || txLen >= c.config.MaxFrame {
		return nil, fmt.Errorf("%w: tx length %d", ErrParam, txLen)
	}

	err := c.bus.Select()
	if err != nil {
		atomic.AddUint64(&c.metricBusErrors, 1)
		return nil, errors.Join(ErrTransfer, err)
	}

	err = c.waitFlow(ctx)
	if err != nil {
		c.bus.Deselect()
		return nil, err
	}

	var txh [HeaderSize]byte
	var rxh [HeaderSize]byte
	EncodeHeaderInto(NewHeader(KindWrite, uint16(txLen)), txh[:])

	err = c.bus.Exchange(txh[:], rxh[:])
	if err != nil {
		c.bus.Deselect()
		atomic.AddUint64(&c.metricBusErrors, 1)
		return nil, errors.Join(ErrTransfer, err)
	}

	h, err := DecodeHeader(rxh[:])
	if err == nil {
		err = h.Validate(KindRead, c.config.MaxFrame)
	}
	if err != nil {
		c.bus.Deselect()
		atomic.AddUint64(&c.metricFramingErrors, 1)
		return nil, err
	}

	atomic.AddUint64(&c.metricTransactions, 1)
	return &Transaction{
		conn:  c,
		TxLen: txLen,
		RxLen: int(h.Length),
	}, nil
}

func (c *Conn) waitFlow(ctx context.Context) error {
	if c.bus.Line(LineFlow) {
		return nil
	}
	deadline := time.Now().Add(c.config.FlowTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddUint64(&c.metricFlowTimeouts, 1)
			return ErrFlowTimeout
		}
		_, err := c.word.Wait(ctx, events.FlowAsserted, remaining)
		if errors.Is(err, events.ErrTimeout) {
			atomic.AddUint64(&c.metricFlowTimeouts, 1)
			return ErrFlowTimeout
		} else if err != nil {
			return err
		}
		// The bit may be left over from an earlier edge
		if c.bus.Line(LineFlow) {
			return nil
		}
	}
}

// Payload runs the data phase. tx must hold TxLen bytes and rx RxLen bytes.
func (t *Transaction) Payload(ctx context.Context, tx []byte, rx []byte) error {
	if len(tx) != t.TxLen || len(rx) != t.RxLen {
		return fmt.Errorf("%w: payload %d/%d expected %d/%d", ErrParam, len(tx), len(rx), t.TxLen, t.RxLen)
	}
	c := t.conn
	if t.TxLen == 0 && t.RxLen == 0 {
		return nil
	}

	err := c.waitFlow(ctx)
	if err != nil {
		return err
	}

	n := min(t.TxLen, t.RxLen)
	if n > 0 {
		err = c.transfer(ctx, tx[:n], rx[:n])
		if err != nil {
			return err
		}
	}
	if t.TxLen > n {
		err = c.transfer(ctx, tx[n:], nil)
	} else if t.RxLen > n {
		err = c.transfer(ctx, nil, rx[n:])
	}
	if err != nil {
		return err
	}

	atomic.AddUint64(&c.metricBytesTx, uint64(t.TxLen))
	atomic.AddUint64(&c.metricBytesRx, uint64(t.RxLen))
	return nil
}

func (c *Conn) transfer(ctx context.Context, tx []byte, rx []byte) error {
	c.word.Take(events.DMADone | events.DMAError)

	err := c.bus.Start(tx, rx)
	if err != nil {
		atomic.AddUint64(&c.metricBusErrors, 1)
		return errors.Join(ErrTransfer, err)
	}

	got, err := c.word.Wait(ctx, events.DMADone|events.DMAError, c.config.TransferTimeout)
	if errors.Is(err, events.ErrTimeout) {
		atomic.AddUint64(&c.metricBusErrors, 1)
		return ErrTransferTimeout
	} else if err != nil {
		return err
	}
	if got&events.DMAError != 0 {
		atomic.AddUint64(&c.metricBusErrors, 1)
		return ErrTransfer
	}
	return nil
}

// End releases the bus. Safe to call more than once.
func (t *Transaction) End() {
	if t.ended {
		return
	}
	t.ended = true
	t.conn.bus.Deselect()
}
