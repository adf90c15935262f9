package spibus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"tinygo.org/x/drivers"
)

var ErrNotSelected = errors.New("bus not selected")
var ErrBusy = errors.New("transfer already in progress")

// OutputPin matches the output half of machine.Pin.
type OutputPin interface {
	High()
	Low()
}

// InputPin matches the input half of machine.Pin.
type InputPin interface {
	Get() bool
}

// EdgeWatcher is implemented by input pins that can interrupt on change.
type EdgeWatcher interface {
	Watch(cb func(level bool)) error
}

type Pins struct {
	CS     OutputPin // Active low
	Flow   InputPin
	Notify InputPin
}

type Config struct {
	Logger       types.Logger
	PollInterval time.Duration // Used for input pins that cannot interrupt
}

func NewDefaultConfig() *Config {
	return &Config{
		PollInterval: time.Millisecond,
	}
}

/**
 * Bus runs the frame protocol over a real SPI peripheral. Payload transfers
 * are done on a separate goroutine, which stands in for DMA completion.
 *
 */
type Bus struct {
	uuid     uuid.UUID
	log      types.Logger
	config   *Config
	spi      drivers.SPI
	pins     Pins
	handler  atomic.Pointer[handlerBox]
	selected atomic.Bool
	busy     atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	metricTransfers uint64
	metricErrors    uint64
	metricEdges     uint64
}

type handlerBox struct {
	h frame.Handler
}

type Metrics struct {
	Transfers uint64
	Errors    uint64
	Edges     uint64
}

func New(spi drivers.SPI, pins Pins, config *Config) (*Bus, error) {
	b := &Bus{
		uuid:   uuid.New(),
		log:    config.Logger,
		config: config,
		spi:    spi,
		pins:   pins,
		stop:   make(chan struct{}),
	}
	pins.CS.High()

	inputs := map[frame.Line]InputPin{
		frame.LineFlow:   pins.Flow,
		frame.LineNotify: pins.Notify,
	}
	for line, pin := range inputs {
		if w, ok := pin.(EdgeWatcher); ok {
			l := line
			err := w.Watch(func(level bool) {
				b.edge(l, level)
			})
			if err != nil {
				b.Close()
				return nil, err
			}
			continue
		}
		if config.PollInterval > 0 {
			b.wg.Add(1)
			go b.poll(line, pin, pin.Get())
		}
	}
	return b, nil
}

func (b *Bus) GetMetrics() *Metrics {
	return &Metrics{
		Transfers: atomic.LoadUint64(&b.metricTransfers),
		Errors:    atomic.LoadUint64(&b.metricErrors),
		Edges:     atomic.LoadUint64(&b.metricEdges),
	}
}

// Close stops any pin pollers.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
}

// poll starts from the level sampled in New, so an edge before the first
// tick is still seen.
func (b *Bus) poll(line frame.Line, pin InputPin, last bool) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			level := pin.Get()
			if level != last {
				last = level
				b.edge(line, level)
			}
		}
	}
}

func (b *Bus) edge(line frame.Line, level bool) {
	atomic.AddUint64(&b.metricEdges, 1)
	if hb := b.handler.Load(); hb != nil {
		hb.h.OnEdge(line, level)
	}
}

func (b *Bus) SetHandler(h frame.Handler) {
	b.handler.Store(&handlerBox{h: h})
}

func (b *Bus) Select() error {
	b.pins.CS.Low()
	b.selected.Store(true)
	return nil
}

func (b *Bus) Deselect() {
	b.selected.Store(false)
	b.pins.CS.High()
}

func (b *Bus) Exchange(tx []byte, rx []byte) error {
	if !b.selected.Load() {
		return ErrNotSelected
	}
	return b.spi.Tx(tx, rx)
}

func (b *Bus) Line(l frame.Line) bool {
	switch l {
	case frame.LineFlow:
		return b.pins.Flow.Get()
	case frame.LineNotify:
		return b.pins.Notify.Get()
	}
	return false
}

func (b *Bus) Start(tx []byte, rx []byte) error {
	if !b.selected.Load() {
		return ErrNotSelected
	}
	if !b.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if len(tx) == 0 {
		tx = nil
	}
	if len(rx) == 0 {
		rx = nil
	}
	go func() {
		err := b.spi.Tx(tx, rx)
		b.busy.Store(false)
		atomic.AddUint64(&b.metricTransfers, 1)
		hb := b.handler.Load()
		if err != nil {
			atomic.AddUint64(&b.metricErrors, 1)
			if b.log != nil {
				b.log.Debug().Str("uuid", b.uuid.String()).Err(err).Msg("spi transfer failed")
			}
			if hb != nil {
				hb.h.OnError(err)
			}
			return
		}
		if hb != nil {
			hb.h.OnDone()
		}
	}()
	return nil
}
