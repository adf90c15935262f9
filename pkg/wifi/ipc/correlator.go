package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"golang.org/x/sync/semaphore"
)

// Submitter takes ownership of a control buffer when it returns nil.
type Submitter interface {
	SubmitControl(ctx context.Context, b *buffer.Buffer, timeout time.Duration) error
}

type Config struct {
	Logger         types.Logger
	Allocator      *buffer.Allocator
	PoolSize       int
	RequestTimeout time.Duration
}

func NewDefaultConfig() *Config {
	return &Config{
		Allocator:      buffer.Default,
		PoolSize:       1,
		RequestTimeout: 5 * time.Second,
	}
}

func (c *Config) WithLogger(l types.Logger) *Config {
	c.Logger = l
	return c
}

type slot struct {
	inUse  bool
	id     uint32
	tx     *buffer.Buffer
	rx     *buffer.Buffer
	waiter chan struct{}
}

/**
 * Correlator gives callers synchronous request / response calls over the
 * control queue. At most PoolSize requests are outstanding at once.
 *
 */
type Correlator struct {
	uuid   uuid.UUID
	log    types.Logger
	config *Config
	alloc  *buffer.Allocator
	sub    Submitter
	sem    *semaphore.Weighted
	idLock sync.Mutex
	lastID uint32

	lock  sync.Mutex
	slots []*slot

	metricRequests    uint64
	metricResponses   uint64
	metricTimeouts    uint64
	metricSubmitFails uint64
	metricUnmatched   uint64
	metricStatusErrs  uint64
}

type CorrelatorMetrics struct {
	Requests    uint64
	Responses   uint64
	Timeouts    uint64
	SubmitFails uint64
	Unmatched   uint64
	StatusErrs  uint64
	InFlight    int
	PoolSize    int
}

func NewCorrelator(sub Submitter, config *Config) *Correlator {
	if config == nil {
		config = NewDefaultConfig()
	}
	if config.Allocator == nil {
		config.Allocator = buffer.Default
	}
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}
	c := &Correlator{
		uuid:   uuid.New(),
		log:    config.Logger,
		config: config,
		alloc:  config.Allocator,
		sub:    sub,
		sem:    semaphore.NewWeighted(int64(config.PoolSize)),
		slots:  make([]*slot, config.PoolSize),
	}
	for i := range c.slots {
		c.slots[i] = &slot{}
	}
	return c
}

func (c *Correlator) GetMetrics() *CorrelatorMetrics {
	return &CorrelatorMetrics{
		Requests:    atomic.LoadUint64(&c.metricRequests),
		Responses:   atomic.LoadUint64(&c.metricResponses),
		Timeouts:    atomic.LoadUint64(&c.metricTimeouts),
		SubmitFails: atomic.LoadUint64(&c.metricSubmitFails),
		Unmatched:   atomic.LoadUint64(&c.metricUnmatched),
		StatusErrs:  atomic.LoadUint64(&c.metricStatusErrs),
		InFlight:    c.InFlight(),
		PoolSize:    c.config.PoolSize,
	}
}

// InFlight returns how many slots are held.
func (c *Correlator) InFlight() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.inUse {
			n++
		}
	}
	return n
}

// nextID never returns 0, which is reserved for events.
func (c *Correlator) nextID() uint32 {
	c.idLock.Lock()
	defer c.idLock.Unlock()
	c.lastID++
	if c.lastID == 0 {
		c.lastID++
	}
	return c.lastID
}

/**
 * SendRequest sends one command and waits for the reply with the same id.
 * The whole call, including waiting for a free slot, is bounded by timeout.
 * The returned bytes are the reply payload after the packet header.
 *
 */
func (c *Correlator) SendRequest(ctx context.Context, api packets.API, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	if packets.HeaderSize+len(payload) > 0xffff {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidParam, len(payload))
	}
	tctx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	atomic.AddUint64(&c.metricRequests, 1)

	err := c.sem.Acquire(tctx, 1)
	if err != nil {
		return nil, c.timeoutErr(ctx, api, 0, "waiting for slot")
	}
	s := c.claim()
	defer c.release(s)

	id := c.nextID()
	tx := c.alloc.New(buffer.RoleTxControl, packets.HeaderSize+len(payload))
	packets.EncodeHeaderInto(packets.Header{RequestID: id, API: api}, tx.Bytes())
	copy(tx.Bytes()[packets.HeaderSize:], payload)

	// The waiter is live before the request can go out
	c.lock.Lock()
	s.id = id
	s.tx = tx
	s.waiter = make(chan struct{}, 1)
	waiter := s.waiter
	c.lock.Unlock()

	if c.log != nil {
		c.log.Trace().Str("uuid", c.uuid.String()).Uint32("id", id).Str("api", api.String()).Int("length", len(payload)).Msg("ipc request")
	}

	out := tx.Clone()
	deadline, _ := tctx.Deadline()
	err = c.sub.SubmitControl(tctx, out, time.Until(deadline))
	if err != nil {
		out.Release()
		atomic.AddUint64(&c.metricSubmitFails, 1)
		if tctx.Err() != nil {
			return nil, c.timeoutErr(ctx, api, id, "queueing request")
		}
		return nil, errors.Join(ErrTimeout, err)
	}

	select {
	case <-waiter:
	case <-tctx.Done():
		return nil, c.timeoutErr(ctx, api, id, "waiting for reply")
	}

	c.lock.Lock()
	rx := s.rx
	c.lock.Unlock()

	atomic.AddUint64(&c.metricResponses, 1)
	resp, err := packets.Payload(rx.Bytes())
	if err != nil {
		return nil, errors.Join(ErrBadResponse, err)
	}
	return append([]byte{}, resp...), nil
}

func (c *Correlator) timeoutErr(ctx context.Context, api packets.API, id uint32, during string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	atomic.AddUint64(&c.metricTimeouts, 1)
	if c.log != nil {
		c.log.Debug().Str("uuid", c.uuid.String()).Uint32("id", id).Str("api", api.String()).Str("during", during).Msg("ipc request timed out")
	}
	return fmt.Errorf("%w: %s %s", ErrTimeout, api, during)
}

// claim takes a free slot. The caller holds a semaphore token.
func (c *Correlator) claim() *slot {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, s := range c.slots {
		if !s.inUse {
			s.inUse = true
			return s
		}
	}
	panic("ipc: semaphore token held but no free slot")
}

// release runs on every path out of SendRequest once a slot is claimed.
func (c *Correlator) release(s *slot) {
	c.lock.Lock()
	if s.tx != nil {
		s.tx.Release()
	}
	if s.rx != nil {
		s.rx.Release()
	}
	s.tx = nil
	s.rx = nil
	s.id = 0
	s.waiter = nil
	s.inUse = false
	c.lock.Unlock()
	c.sem.Release(1)
}

// deliver hands a reply to the waiting slot with the same id. It takes its
// own reference on b; the caller keeps the one it has.
func (c *Correlator) deliver(id uint32, b *buffer.Buffer) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, s := range c.slots {
		if !s.inUse || s.id != id || s.rx != nil || s.waiter == nil {
			continue
		}
		rx := b.Clone()
		if rx == nil {
			return false
		}
		s.rx = rx
		select {
		case s.waiter <- struct{}{}:
		default:
		}
		return true
	}
	atomic.AddUint64(&c.metricUnmatched, 1)
	return false
}
