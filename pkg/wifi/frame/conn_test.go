package frame

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poster struct {
	word *events.Word
}

func (p *poster) OnEdge(line Line, asserted bool) {
	if line == LineFlow && asserted {
		p.word.Post(events.FlowAsserted)
	}
}

func (p *poster) OnDone() {
	p.word.Post(events.DMADone)
}

func (p *poster) OnError(_ error) {
	p.word.Post(events.DMAError)
}

type startCall struct {
	tx int
	rx int
}

type fakeBus struct {
	handler   Handler
	selected  bool
	selects   int
	flow      atomic.Bool
	rxHeader  []byte
	sentHdr   []byte
	starts    []startCall
	failStart bool
	rxFill    byte
}

func (fb *fakeBus) SetHandler(h Handler) { fb.handler = h }
func (fb *fakeBus) Select() error {
	fb.selected = true
	fb.selects++
	return nil
}
func (fb *fakeBus) Deselect() { fb.selected = false }
func (fb *fakeBus) Line(l Line) bool {
	return l == LineFlow && fb.flow.Load()
}
func (fb *fakeBus) Exchange(tx []byte, rx []byte) error {
	fb.sentHdr = append([]byte{}, tx...)
	copy(rx, fb.rxHeader)
	return nil
}
func (fb *fakeBus) Start(tx []byte, rx []byte) error {
	fb.starts = append(fb.starts, startCall{tx: len(tx), rx: len(rx)})
	for i := range rx {
		rx[i] = fb.rxFill
	}
	if fb.failStart {
		fb.handler.OnError(errors.New("dma fault"))
	} else {
		fb.handler.OnDone()
	}
	return nil
}

func newTestConn(rxLen uint16) (*Conn, *fakeBus) {
	word := events.NewWord()
	fb := &fakeBus{rxHeader: EncodeHeader(NewHeader(KindRead, rxLen)), rxFill: 0xaa}
	fb.flow.Store(true)
	fb.SetHandler(&poster{word: word})
	config := NewDefaultConfig()
	return NewConn(fb, word, config), fb
}

func TestConnTxLonger(t *testing.T) {
	c, fb := newTestConn(10)

	tr, err := c.Begin(context.TODO(), 25)
	require.NoError(t, err)
	assert.True(t, fb.selected)
	assert.Equal(t, EncodeHeader(NewHeader(KindWrite, 25)), fb.sentHdr)
	assert.Equal(t, 10, tr.RxLen)

	rx := make([]byte, tr.RxLen)
	err = tr.Payload(context.TODO(), make([]byte, 25), rx)
	assert.NoError(t, err)
	tr.End()
	tr.End()

	assert.False(t, fb.selected)
	assert.Equal(t, []startCall{{10, 10}, {15, 0}}, fb.starts)
	assert.Equal(t, byte(0xaa), rx[9])

	met := c.GetMetrics()
	assert.Equal(t, uint64(1), met.Transactions)
	assert.Equal(t, uint64(25), met.BytesTx)
	assert.Equal(t, uint64(10), met.BytesRx)
}

func TestConnRxLonger(t *testing.T) {
	c, fb := newTestConn(100)

	tr, err := c.Begin(context.TODO(), 4)
	require.NoError(t, err)
	err = tr.Payload(context.TODO(), make([]byte, 4), make([]byte, 100))
	assert.NoError(t, err)
	tr.End()
	assert.Equal(t, []startCall{{4, 4}, {0, 96}}, fb.starts)
}

func TestConnOneDirection(t *testing.T) {
	c, fb := newTestConn(0)

	tr, err := c.Begin(context.TODO(), 60)
	require.NoError(t, err)
	assert.NoError(t, tr.Payload(context.TODO(), make([]byte, 60), nil))
	tr.End()
	assert.Equal(t, []startCall{{60, 0}}, fb.starts)

	c, fb = newTestConn(33)
	tr, err = c.Begin(context.TODO(), 0)
	require.NoError(t, err)
	assert.NoError(t, tr.Payload(context.TODO(), nil, make([]byte, 33)))
	tr.End()
	assert.Equal(t, []startCall{{0, 33}}, fb.starts)
}

func TestConnCorruptHeader(t *testing.T) {
	c, fb := newTestConn(10)
	fb.rxHeader[3] ^= 0xff

	tr, err := c.Begin(context.TODO(), 10)
	assert.ErrorIs(t, err, ErrFraming)
	assert.Nil(t, tr)
	assert.False(t, fb.selected)
	assert.Equal(t, 0, len(fb.starts))
	assert.Equal(t, uint64(1), c.GetMetrics().FramingErrors)
}

func TestConnWrongKind(t *testing.T) {
	c, fb := newTestConn(10)
	fb.rxHeader = EncodeHeader(NewHeader(KindWrite, 10))

	_, err := c.Begin(context.TODO(), 10)
	assert.ErrorIs(t, err, ErrFraming)
	assert.False(t, fb.selected)
}

func TestConnFlowTimeout(t *testing.T) {
	c, fb := newTestConn(10)
	fb.flow.Store(false)
	c.config.FlowTimeout = 20 * time.Millisecond

	ctime := time.Now()
	_, err := c.Begin(context.TODO(), 10)
	assert.ErrorIs(t, err, ErrFlowTimeout)
	assert.GreaterOrEqual(t, time.Since(ctime), 20*time.Millisecond)
	assert.False(t, fb.selected)
	assert.Nil(t, fb.sentHdr)
}

func TestConnFlowEdge(t *testing.T) {
	c, fb := newTestConn(0)
	fb.flow.Store(false)
	c.config.FlowTimeout = time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		fb.flow.Store(true)
		fb.handler.OnEdge(LineFlow, true)
	}()

	tr, err := c.Begin(context.TODO(), 1)
	require.NoError(t, err)
	tr.End()
}

func TestConnDMAError(t *testing.T) {
	c, fb := newTestConn(8)
	fb.failStart = true

	tr, err := c.Begin(context.TODO(), 8)
	require.NoError(t, err)
	err = tr.Payload(context.TODO(), make([]byte, 8), make([]byte, 8))
	assert.ErrorIs(t, err, ErrTransfer)
	tr.End()
	assert.False(t, fb.selected)
}

func TestConnBadParams(t *testing.T) {
	c, fb := newTestConn(8)

	_, err := c.Begin(context.TODO(), MaxFrame)
	assert.ErrorIs(t, err, ErrParam)
	assert.Equal(t, 0, fb.selects)

	tr, err := c.Begin(context.TODO(), 8)
	require.NoError(t, err)
	err = tr.Payload(context.TODO(), make([]byte, 3), make([]byte, 8))
	assert.ErrorIs(t, err, ErrParam)
	tr.End()
}
