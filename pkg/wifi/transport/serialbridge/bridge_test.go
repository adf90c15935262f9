package serialbridge

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/loopholelabs/wispi/pkg/wifi/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// firmware plays the bridge MCU, forwarding each request to a simulated peer.
type firmware struct {
	conn  net.Conn
	peer  *sim.Peer
	wLock sync.Mutex
	xfer  chan error
}

func newFirmware(conn net.Conn, peer *sim.Peer) *firmware {
	f := &firmware{conn: conn, peer: peer, xfer: make(chan error, 1)}
	peer.SetHandler(f)
	return f
}

func (f *firmware) send(m *Message) {
	f.wLock.Lock()
	defer f.wLock.Unlock()
	_ = WriteMessage(f.conn, m)
}

func (f *firmware) OnEdge(l frame.Line, asserted bool) {
	a := byte(0)
	if asserted {
		a = 1
	}
	f.send(&Message{Op: OpEdge, Data: []byte{byte(l), a}})
}

func (f *firmware) OnDone() {
	f.xfer <- nil
}

func (f *firmware) OnError(err error) {
	f.xfer <- err
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func (f *firmware) run() {
	for {
		m, err := ReadMessage(f.conn)
		if err != nil {
			return
		}
		reply := &Message{Op: m.Op}
		switch m.Op {
		case OpSelect:
			if f.peer.Select() != nil {
				reply.Status = StatusError
			}
		case OpDeselect:
			f.peer.Deselect()
		case OpExchange:
			reply.Data = make([]byte, len(m.Data))
			if f.peer.Exchange(m.Data, reply.Data) != nil {
				reply.Status = StatusError
			}
		case OpLines:
			reply.Data = []byte{
				boolByte(f.peer.Line(frame.LineFlow)),
				boolByte(f.peer.Line(frame.LineNotify)),
			}
		case OpTransfer:
			seq, tx, rxLen, err := DecodeTransfer(m.Data)
			if err != nil {
				reply.Status = StatusError
				break
			}
			var rx []byte
			if rxLen > 0 {
				rx = make([]byte, rxLen)
			}
			err = f.peer.Start(tx, rx)
			if err == nil {
				err = <-f.xfer
			}
			if err != nil {
				reply.Status = StatusError
			}
			reply.Data = append([]byte{seq}, rx...)
		default:
			reply.Status = StatusError
		}
		f.send(reply)
	}
}

type recordHandler struct {
	lock  sync.Mutex
	edges []frame.Line
	done  chan error
}

func (r *recordHandler) OnEdge(l frame.Line, asserted bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if asserted {
		r.edges = append(r.edges, l)
	}
}

func (r *recordHandler) OnDone() {
	r.done <- nil
}

func (r *recordHandler) OnError(err error) {
	r.done <- err
}

func newTestBridge(t *testing.T, simConfig *sim.Config) (*Bridge, *sim.Peer) {
	host, dev := net.Pipe()
	peer := sim.NewPeer(simConfig)
	fw := newFirmware(dev, peer)
	go fw.run()

	b := New(host, NewDefaultConfig("pipe"))
	t.Cleanup(func() {
		_ = b.Close()
		_ = dev.Close()
	})
	return b, peer
}

func TestMessage(t *testing.T) {
	var buff bytes.Buffer
	err := WriteMessage(&buff, &Message{Op: OpExchange, Status: StatusError, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []byte{OpExchange, StatusError, 3, 0, 1, 2, 3}, buff.Bytes())

	m, err := ReadMessage(&buff)
	require.NoError(t, err)
	assert.Equal(t, OpExchange, m.Op)
	assert.Equal(t, StatusError, m.Status)
	assert.Equal(t, []byte{1, 2, 3}, m.Data)

	err = WriteMessage(&buff, &Message{Data: make([]byte, maxMessageData+1)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestTransferEncoding(t *testing.T) {
	seq, tx, rxLen, err := DecodeTransfer(EncodeTransfer(7, []byte("abc"), 3))
	require.NoError(t, err)
	assert.Equal(t, uint8(7), seq)
	assert.Equal(t, []byte("abc"), tx)
	assert.Equal(t, 3, rxLen)

	seq, tx, rxLen, err = DecodeTransfer(EncodeTransfer(255, nil, 12))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), seq)
	assert.Nil(t, tx)
	assert.Equal(t, 12, rxLen)

	_, _, _, err = DecodeTransfer([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBridgeBusOps(t *testing.T) {
	b, peer := newTestBridge(t, nil)
	h := &recordHandler{done: make(chan error, 1)}
	b.SetHandler(h)

	assert.True(t, b.Line(frame.LineFlow))
	assert.False(t, b.Line(frame.LineNotify))

	// Header exchange for a bare read, then the peer has nothing to send
	require.NoError(t, b.Select())
	tx := frame.EncodeHeader(frame.NewHeader(frame.KindWrite, 0))
	rx := make([]byte, frame.HeaderSize)
	require.NoError(t, b.Exchange(tx, rx))
	rh, err := frame.DecodeHeader(rx)
	require.NoError(t, err)
	require.NoError(t, rh.Validate(frame.KindRead, frame.MaxFrame))
	assert.Equal(t, uint16(0), rh.Length)
	b.Deselect()

	peer.SendStatus(packets.LinkStationUp, 0)
	assert.Eventually(t, func() bool {
		h.lock.Lock()
		defer h.lock.Unlock()
		return len(h.edges) > 0
	}, time.Second, time.Millisecond)
	assert.True(t, b.Line(frame.LineNotify))

	m := b.GetMetrics()
	assert.Greater(t, m.MessagesTx, uint64(0))
	assert.Greater(t, m.Edges, uint64(0))
}

func TestBridgeLostTransferReply(t *testing.T) {
	host, dev := net.Pipe()
	b := New(host, NewDefaultConfig("pipe"))
	defer b.Close()
	defer dev.Close()

	requests := make(chan *Message, 8)
	go func() {
		for {
			m, err := ReadMessage(dev)
			if err != nil {
				return
			}
			requests <- m
		}
	}()

	h := &recordHandler{done: make(chan error, 2)}
	b.SetHandler(h)

	// The first request is never answered
	require.NoError(t, b.Start([]byte{1}, make([]byte, 2)))
	first := <-requests
	staleSeq, _, _, err := DecodeTransfer(first.Data)
	require.NoError(t, err)

	select {
	case <-h.done:
		t.Fatal("unanswered transfer completed")
	case <-time.After(50 * time.Millisecond):
	}

	// A new transfer replaces it instead of wedging the bus
	rx := make([]byte, 2)
	require.NoError(t, b.Start([]byte{2}, rx))
	second := <-requests
	seq, tx, rxLen, err := DecodeTransfer(second.Data)
	require.NoError(t, err)
	assert.NotEqual(t, staleSeq, seq)
	assert.Equal(t, []byte{2}, tx)
	assert.Equal(t, 2, rxLen)

	// A late reply to the abandoned transfer must not complete the new one
	require.NoError(t, WriteMessage(dev, &Message{Op: OpTransfer, Data: []byte{staleSeq, 0xde, 0xad}}))
	require.NoError(t, WriteMessage(dev, &Message{Op: OpTransfer, Data: []byte{seq, 0xbe, 0xef}}))

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transfer did not complete")
	}
	assert.Equal(t, []byte{0xbe, 0xef}, rx)

	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Abandoned)
	assert.Equal(t, uint64(1), m.Stray)

	select {
	case <-h.done:
		t.Fatal("transfer completed twice")
	default:
	}
}

func TestBridgeTimeout(t *testing.T) {
	host, dev := net.Pipe()
	config := NewDefaultConfig("pipe")
	config.ReplyTimeout = 20 * time.Millisecond
	b := New(host, config)
	defer b.Close()
	// Swallow requests without replying
	go func() {
		for {
			_, err := ReadMessage(dev)
			if err != nil {
				return
			}
		}
	}()
	defer dev.Close()

	assert.ErrorIs(t, b.Select(), ErrTimeout)
}

func TestBridgeClosed(t *testing.T) {
	b, _ := newTestBridge(t, nil)
	h := &recordHandler{done: make(chan error, 1)}
	b.SetHandler(h)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Select(), ErrClosed)
}

// The dataplane engine runs unchanged over the serial bridge.
func TestBridgeEngine(t *testing.T) {
	b, _ := newTestBridge(t, nil)

	responses := make(chan *buffer.Buffer, 4)
	config := dataplane.NewDefaultConfig()
	config.Allocator = buffer.NewAllocator()
	config.IdleTimeout = 10 * time.Millisecond
	e := dataplane.NewEngine(b, responses, config)
	defer e.Close()

	ctx, cancelFn := context.WithCancel(context.TODO())
	defer cancelFn()
	go e.Run(ctx)

	pkt := config.Allocator.NewFrom(buffer.RoleTxControl,
		packets.Encode(packets.Header{RequestID: 9, API: packets.APIGetMAC}, nil))
	require.NoError(t, e.SubmitControl(ctx, pkt, time.Second))

	select {
	case rx := <-responses:
		h, err := packets.DecodeHeader(rx.Bytes())
		require.NoError(t, err)
		assert.Equal(t, uint32(9), h.RequestID)
		mr, err := packets.DecodeMACResponse(rx.Bytes()[packets.HeaderSize:])
		require.NoError(t, err)
		assert.Equal(t, sim.NewDefaultConfig().MAC, mr.MAC)
		rx.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("no response over bridge")
	}
}
