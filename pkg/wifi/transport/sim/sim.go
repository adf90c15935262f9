package sim

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
)

var ErrNotSelected = errors.New("bus not selected")
var ErrInjected = errors.New("injected bus fault")

// Peer status codes returned in command responses.
const (
	StatusUnsupported = int32(-1)
	StatusAuthFailed  = int32(-2)
	StatusNoBypass    = int32(-3)
	StatusBadRequest  = int32(-4)
)

type Config struct {
	Logger   types.Logger
	Version  string
	MAC      net.HardwareAddr
	Networks map[string]string // ssid -> passphrase, nil accepts anything
	Echo     bool              // Reflect bulk frames back as bulk-in
	NoAcks   bool              // Do not acknowledge bulk frames
	Async    bool              // Complete transfers from another goroutine
}

func NewDefaultConfig() *Config {
	return &Config{
		Version: "wispi-sim 1.0.0",
		MAC:     net.HardwareAddr{0x02, 0x57, 0x49, 0x53, 0x50, 0x49},
	}
}

func (c *Config) WithLogger(l types.Logger) *Config {
	c.Logger = l
	return c
}

/**
 * Peer is a simulated co-processor. It implements frame.Bus so it can sit
 * directly under the dataplane engine, and answers the command set the
 * real firmware answers.
 *
 */
type Peer struct {
	uuid    uuid.UUID
	log     types.Logger
	config  *Config
	handler atomic.Pointer[handlerBox]
	flow    atomic.Bool

	lock        sync.Mutex
	outbound    [][]byte
	held        [][]byte
	holding     bool
	bypass      bool
	connected   string
	bulkOut     [][]byte
	txn         *txn
	corruptNext int
	failNext    int

	metricTransactions   uint64
	metricCommands       uint64
	metricBulkOut        uint64
	metricBulkIn         uint64
	metricEvents         uint64
	metricBadHeaders     uint64
	metricCorrupted      uint64
	metricInjectedFaults uint64
}

type handlerBox struct {
	h frame.Handler
}

type txn struct {
	headerOK bool
	tx       []byte
	txDone   int
	rx       []byte
	rxDone   int
}

type Metrics struct {
	Transactions   uint64
	Commands       uint64
	BulkOut        uint64
	BulkIn         uint64
	Events         uint64
	BadHeaders     uint64
	Corrupted      uint64
	InjectedFaults uint64
	Pending        int
}

func NewPeer(config *Config) *Peer {
	if config == nil {
		config = NewDefaultConfig()
	}
	p := &Peer{
		uuid:   uuid.New(),
		log:    config.Logger,
		config: config,
	}
	p.flow.Store(true)
	return p
}

func (p *Peer) GetMetrics() *Metrics {
	p.lock.Lock()
	pending := len(p.outbound)
	p.lock.Unlock()
	return &Metrics{
		Transactions:   atomic.LoadUint64(&p.metricTransactions),
		Commands:       atomic.LoadUint64(&p.metricCommands),
		BulkOut:        atomic.LoadUint64(&p.metricBulkOut),
		BulkIn:         atomic.LoadUint64(&p.metricBulkIn),
		Events:         atomic.LoadUint64(&p.metricEvents),
		BadHeaders:     atomic.LoadUint64(&p.metricBadHeaders),
		Corrupted:      atomic.LoadUint64(&p.metricCorrupted),
		InjectedFaults: atomic.LoadUint64(&p.metricInjectedFaults),
		Pending:        pending,
	}
}

func (p *Peer) SetHandler(h frame.Handler) {
	p.handler.Store(&handlerBox{h: h})
}

func (p *Peer) edge(l frame.Line, asserted bool) {
	if hb := p.handler.Load(); hb != nil {
		hb.h.OnEdge(l, asserted)
	}
}

func (p *Peer) Line(l frame.Line) bool {
	switch l {
	case frame.LineFlow:
		return p.flow.Load()
	case frame.LineNotify:
		p.lock.Lock()
		defer p.lock.Unlock()
		return len(p.outbound) > 0
	}
	return false
}

// SetFlow drives the flow control line. Asserting it raises an edge.
func (p *Peer) SetFlow(asserted bool) {
	old := p.flow.Swap(asserted)
	if asserted && !old {
		p.edge(frame.LineFlow, true)
	}
}

// CorruptHeaders makes the next n outgoing headers fail their self check.
func (p *Peer) CorruptHeaders(n int) {
	p.lock.Lock()
	p.corruptNext += n
	p.lock.Unlock()
}

// FailTransfers makes the next n payload transfers report a bus error.
func (p *Peer) FailTransfers(n int) {
	p.lock.Lock()
	p.failNext += n
	p.lock.Unlock()
}

func (p *Peer) Select() error {
	p.lock.Lock()
	p.txn = &txn{}
	p.lock.Unlock()
	atomic.AddUint64(&p.metricTransactions, 1)
	return nil
}

func (p *Peer) Exchange(tx []byte, rx []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.txn == nil {
		return ErrNotSelected
	}

	h, err := frame.DecodeHeader(tx)
	if err == nil {
		err = h.Validate(frame.KindWrite, frame.MaxFrame)
	}
	if err != nil {
		atomic.AddUint64(&p.metricBadHeaders, 1)
		// Still answer, the host decides what to do with the transaction
		frame.EncodeHeaderInto(frame.NewHeader(frame.KindRead, 0), rx)
		return nil
	}

	p.txn.tx = make([]byte, h.Length)
	var next []byte
	if len(p.outbound) > 0 {
		next = p.outbound[0]
	}
	reply := frame.NewHeader(frame.KindRead, uint16(len(next)))
	if p.corruptNext > 0 {
		p.corruptNext--
		atomic.AddUint64(&p.metricCorrupted, 1)
		reply.LengthComplement ^= 0x0101
	} else {
		p.txn.headerOK = true
		p.txn.rx = next
	}
	frame.EncodeHeaderInto(reply, rx)
	return nil
}

func (p *Peer) Start(tx []byte, rx []byte) error {
	p.lock.Lock()
	if p.txn == nil {
		p.lock.Unlock()
		return ErrNotSelected
	}
	fail := p.failNext > 0
	if fail {
		p.failNext--
		atomic.AddUint64(&p.metricInjectedFaults, 1)
	} else {
		t := p.txn
		t.txDone += copy(t.tx[min(t.txDone, len(t.tx)):], tx)
		if t.rxDone < len(t.rx) {
			t.rxDone += copy(rx, t.rx[t.rxDone:])
		}
	}
	p.lock.Unlock()

	complete := func() {
		hb := p.handler.Load()
		if hb == nil {
			return
		}
		if fail {
			hb.h.OnError(ErrInjected)
		} else {
			hb.h.OnDone()
		}
	}
	if p.config.Async {
		go func() {
			time.Sleep(50 * time.Microsecond)
			complete()
		}()
	} else {
		complete()
	}
	return nil
}

// Deselect ends the transaction. Whatever fully crossed the bus is acted on.
func (p *Peer) Deselect() {
	p.lock.Lock()
	t := p.txn
	p.txn = nil
	if t == nil || !t.headerOK {
		p.lock.Unlock()
		return
	}
	if len(t.rx) > 0 && t.rxDone == len(t.rx) {
		p.outbound[0] = nil
		p.outbound = p.outbound[1:]
	}
	p.lock.Unlock()

	if len(t.tx) > 0 && t.txDone == len(t.tx) {
		p.process(t.tx)
	}
}

// queue adds a packet for the host and raises the notify line.
func (p *Peer) queue(pkt []byte, holdable bool) {
	p.lock.Lock()
	if holdable && p.holding {
		p.held = append(p.held, pkt)
		p.lock.Unlock()
		return
	}
	p.outbound = append(p.outbound, pkt)
	p.lock.Unlock()
	p.edge(frame.LineNotify, true)
}

// HoldReplies stops command replies from being sent until ReleaseReplies.
func (p *Peer) HoldReplies() {
	p.lock.Lock()
	p.holding = true
	p.lock.Unlock()
}

func (p *Peer) ReleaseReplies() {
	p.lock.Lock()
	p.holding = false
	held := p.held
	p.held = nil
	p.lock.Unlock()
	for _, pkt := range held {
		p.queue(pkt, false)
	}
}

// Held returns how many replies are waiting on ReleaseReplies.
func (p *Peer) Held() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.held)
}

// BulkOut returns copies of the bulk frames received from the host.
func (p *Peer) BulkOut() [][]byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	ret := make([][]byte, len(p.bulkOut))
	copy(ret, p.bulkOut)
	return ret
}

func (p *Peer) Connected() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.connected
}

func (p *Peer) Bypass() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.bypass
}
