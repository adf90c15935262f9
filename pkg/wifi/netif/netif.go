package netif

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/events"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

var ErrSendFailed = errors.New("could not queue frame for sending")
var ErrUnsupportedEtherType = errors.New("unsupported ethertype")
var ErrRunt = errors.New("frame shorter than an ethernet header")
var ErrFrameSize = errors.New("frame size out of range")
var ErrNoStack = errors.New("no stack attached")

const EthernetHeaderSize = 14

const (
	EtherTypeIPv4 = uint16(0x0800)
	EtherTypeARP  = uint16(0x0806)
	EtherTypeIPv6 = uint16(0x86dd)
)

// Submitter takes ownership of a bulk buffer when it returns nil.
type Submitter interface {
	SubmitBulk(ctx context.Context, b *buffer.Buffer, timeout time.Duration) error
}

/**
 * Stack is the IP stack above the interface.
 *
 * DeliverInbound takes ownership of the buffer when it returns nil. The
 * other calls are made from the connection supervisor and must not block
 * for long.
 */
type Stack interface {
	DeliverInbound(b *buffer.Buffer) error
	LinkUp() error
	LinkDown() error
	StartDHCP() error
	StopDHCP() error
	ClearAddress() error
}

type Config struct {
	Logger      types.Logger
	Allocator   *buffer.Allocator
	Name        string
	Index       int32
	SendTimeout time.Duration
	MaxFrame    int
}

func NewDefaultConfig() *Config {
	return &Config{
		Allocator:   buffer.Default,
		Name:        "wl0",
		Index:       0,
		SendTimeout: 100 * time.Millisecond,
		MaxFrame:    frame.MaxFrame,
	}
}

func (c *Config) WithLogger(l types.Logger) *Config {
	c.Logger = l
	return c
}

type stackBox struct {
	s Stack
}

// Interface bridges the bulk path of the dataplane and an IP stack.
type Interface struct {
	uuid      uuid.UUID
	log       types.Logger
	config    *Config
	alloc     *buffer.Allocator
	sub       Submitter
	stack     atomic.Pointer[stackBox]
	lastID    atomic.Uint32
	connected atomic.Bool
	word      atomic.Pointer[events.Word]

	addrLock sync.Mutex
	addr     *net.IPNet

	metricTxFrames     uint64
	metricTxBytes      uint64
	metricTxFailures   uint64
	metricRxFrames     uint64
	metricRxBytes      uint64
	metricRxDropped    uint64
	metricRxStackError uint64
}

type Metrics struct {
	TxFrames     uint64
	TxBytes      uint64
	TxFailures   uint64
	RxFrames     uint64
	RxBytes      uint64
	RxDropped    uint64
	RxStackError uint64
	Connected    bool
}

func NewInterface(sub Submitter, config *Config) *Interface {
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.Allocator == nil {
		config.Allocator = buffer.Default
	}
	if config.MaxFrame == 0 {
		config.MaxFrame = frame.MaxFrame
	}
	return &Interface{
		uuid:   uuid.New(),
		log:    config.Logger,
		config: config,
		alloc:  config.Allocator,
		sub:    sub,
	}
}

func (i *Interface) Name() string {
	return i.config.Name
}

func (i *Interface) Index() int32 {
	return i.config.Index
}

func (i *Interface) SetStack(s Stack) {
	if s == nil {
		i.stack.Store(nil)
		return
	}
	i.stack.Store(&stackBox{s: s})
}

// SetEvents gives the interface a word to post IPChanged to.
func (i *Interface) SetEvents(w *events.Word) {
	i.word.Store(w)
}

func (i *Interface) getStack() Stack {
	if sb := i.stack.Load(); sb != nil {
		return sb.s
	}
	return nil
}

func (i *Interface) GetMetrics() *Metrics {
	return &Metrics{
		TxFrames:     atomic.LoadUint64(&i.metricTxFrames),
		TxBytes:      atomic.LoadUint64(&i.metricTxBytes),
		TxFailures:   atomic.LoadUint64(&i.metricTxFailures),
		RxFrames:     atomic.LoadUint64(&i.metricRxFrames),
		RxBytes:      atomic.LoadUint64(&i.metricRxBytes),
		RxDropped:    atomic.LoadUint64(&i.metricRxDropped),
		RxStackError: atomic.LoadUint64(&i.metricRxStackError),
		Connected:    i.connected.Load(),
	}
}

/**
 * Output wraps one ethernet frame in a bypass envelope and queues it on the
 * bulk path. The segments are copied, so the caller keeps ownership of them
 * whatever the result.
 *
 */
func (i *Interface) Output(ctx context.Context, segs net.Buffers) error {
	size := 0
	for _, seg := range segs {
		size += len(seg)
	}
	if size < EthernetHeaderSize || packets.EnvelopeSize+size >= i.config.MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, size)
	}

	b := i.alloc.New(buffer.RoleTxBulk, packets.EnvelopeSize+size)
	data := b.Bytes()
	packets.EncodeEnvelopeInto(&packets.Envelope{
		RequestID: i.lastID.Add(1),
		API:       packets.APIBypassOut,
		Interface: i.config.Index,
		DataLen:   uint16(size),
	}, data)
	off := packets.EnvelopeSize
	for _, seg := range segs {
		off += copy(data[off:], seg)
	}

	err := i.sub.SubmitBulk(ctx, b, i.config.SendTimeout)
	if err != nil {
		b.Release()
		atomic.AddUint64(&i.metricTxFailures, 1)
		if i.log != nil {
			i.log.Debug().Str("uuid", i.uuid.String()).Str("name", i.config.Name).Int("length", size).Err(err).Msg("frame send failed")
		}
		return errors.Join(ErrSendFailed, err)
	}
	atomic.AddUint64(&i.metricTxFrames, 1)
	atomic.AddUint64(&i.metricTxBytes, uint64(size))
	return nil
}

// Input takes a frame with its envelope already removed. On a nil return
// the buffer belongs to the stack, otherwise the caller still owns it.
func (i *Interface) Input(b *buffer.Buffer) error {
	data := b.Bytes()
	if len(data) < EthernetHeaderSize {
		atomic.AddUint64(&i.metricRxDropped, 1)
		return ErrRunt
	}

	et := binary.BigEndian.Uint16(data[12:])
	switch et {
	case EtherTypeIPv4, EtherTypeIPv6, EtherTypeARP:
	default:
		atomic.AddUint64(&i.metricRxDropped, 1)
		if i.log != nil {
			i.log.Debug().Str("uuid", i.uuid.String()).Str("name", i.config.Name).Int("ethertype", int(et)).Msg("dropping frame")
		}
		return fmt.Errorf("%w: 0x%04x", ErrUnsupportedEtherType, et)
	}

	s := i.getStack()
	if s == nil {
		atomic.AddUint64(&i.metricRxDropped, 1)
		return ErrNoStack
	}
	err := s.DeliverInbound(b)
	if err != nil {
		atomic.AddUint64(&i.metricRxStackError, 1)
		return err
	}
	atomic.AddUint64(&i.metricRxFrames, 1)
	atomic.AddUint64(&i.metricRxBytes, uint64(len(data)))
	return nil
}

// Link side effects, driven by the connection supervisor.

func (i *Interface) LinkUp() error {
	s := i.getStack()
	if s == nil {
		return ErrNoStack
	}
	return s.LinkUp()
}

func (i *Interface) LinkDown() error {
	s := i.getStack()
	if s == nil {
		return ErrNoStack
	}
	return s.LinkDown()
}

func (i *Interface) StartDHCP() error {
	s := i.getStack()
	if s == nil {
		return ErrNoStack
	}
	return s.StartDHCP()
}

func (i *Interface) StopDHCP() error {
	s := i.getStack()
	if s == nil {
		return ErrNoStack
	}
	return s.StopDHCP()
}

func (i *Interface) ClearAddress() error {
	s := i.getStack()
	if s == nil {
		return ErrNoStack
	}
	err := s.ClearAddress()
	i.addrLock.Lock()
	i.addr = nil
	i.addrLock.Unlock()
	return err
}

func (i *Interface) SetConnected(c bool) {
	i.connected.Store(c)
}

func (i *Interface) Connected() bool {
	return i.connected.Load()
}

// AddressChanged is called by the stack when it gains or loses an address.
func (i *Interface) AddressChanged(addr *net.IPNet) {
	i.addrLock.Lock()
	i.addr = addr
	i.addrLock.Unlock()
	if w := i.word.Load(); w != nil {
		w.Post(events.IPChanged)
	}
}

func (i *Interface) Address() *net.IPNet {
	i.addrLock.Lock()
	defer i.addrLock.Unlock()
	return i.addr
}
