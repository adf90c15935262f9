package ipc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

// EventHandler is called on the router goroutine with the event payload.
// The payload is only valid for the duration of the call.
type EventHandler func(api packets.API, payload []byte)

/**
 * Router reads everything the dataplane forwards and either wakes the
 * request it answers or runs the handler registered for the event.
 *
 */
type Router struct {
	uuid       uuid.UUID
	log        types.Logger
	correlator *Correlator
	pipe       <-chan *buffer.Buffer

	lock     sync.Mutex
	handlers map[packets.API]EventHandler

	metricReplies   uint64
	metricDropped   uint64
	metricEvents    uint64
	metricUnhandled uint64
	metricBad       uint64
}

type RouterMetrics struct {
	Replies   uint64
	Dropped   uint64
	Events    uint64
	Unhandled uint64
	Bad       uint64
}

func NewRouter(c *Correlator, pipe <-chan *buffer.Buffer, log types.Logger) *Router {
	return &Router{
		uuid:       uuid.New(),
		log:        log,
		correlator: c,
		pipe:       pipe,
		handlers:   make(map[packets.API]EventHandler),
	}
}

// Handle registers fn for events with the given api. A nil fn removes it.
func (r *Router) Handle(api packets.API, fn EventHandler) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if fn == nil {
		delete(r.handlers, api)
		return
	}
	r.handlers[api] = fn
}

func (r *Router) GetMetrics() *RouterMetrics {
	return &RouterMetrics{
		Replies:   atomic.LoadUint64(&r.metricReplies),
		Dropped:   atomic.LoadUint64(&r.metricDropped),
		Events:    atomic.LoadUint64(&r.metricEvents),
		Unhandled: atomic.LoadUint64(&r.metricUnhandled),
		Bad:       atomic.LoadUint64(&r.metricBad),
	}
}

// Run dispatches until ctx is done or the pipe is closed.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-r.pipe:
			if !ok {
				return nil
			}
			r.dispatch(b)
			b.Release()
		}
	}
}

func (r *Router) dispatch(b *buffer.Buffer) {
	h, err := packets.DecodeHeader(b.Bytes())
	if err != nil {
		atomic.AddUint64(&r.metricBad, 1)
		return
	}

	if h.RequestID == 0 {
		atomic.AddUint64(&r.metricEvents, 1)
		r.lock.Lock()
		fn, ok := r.handlers[h.API]
		r.lock.Unlock()
		if !ok {
			atomic.AddUint64(&r.metricUnhandled, 1)
			if r.log != nil {
				r.log.Debug().Str("uuid", r.uuid.String()).Str("api", h.API.String()).Msg("no handler for event")
			}
			return
		}
		fn(h.API, b.Bytes()[packets.HeaderSize:])
		return
	}

	if r.correlator.deliver(h.RequestID, b) {
		atomic.AddUint64(&r.metricReplies, 1)
		return
	}
	atomic.AddUint64(&r.metricDropped, 1)
	if r.log != nil {
		r.log.Debug().Str("uuid", r.uuid.String()).Uint32("id", h.RequestID).Str("api", h.API.String()).Msg("reply with no waiter, dropped")
	}
}
