package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrTimeout = errors.New("event wait timed out")

type Flags uint32

const (
	DataWaiting = Flags(1 << iota)
	DMADone
	DMAError
	FlowAsserted
	TxQueued
	LinkUp
	LinkDown
	IPChanged
	StatusUpdated
	Reconnect
)

const All = DataWaiting | DMADone | DMAError | FlowAsserted | TxQueued |
	LinkUp | LinkDown | IPChanged | StatusUpdated | Reconnect

var flagNames = []struct {
	f    Flags
	name string
}{
	{DataWaiting, "DataWaiting"},
	{DMADone, "DMADone"},
	{DMAError, "DMAError"},
	{FlowAsserted, "FlowAsserted"},
	{TxQueued, "TxQueued"},
	{LinkUp, "LinkUp"},
	{LinkDown, "LinkDown"},
	{IPChanged, "IPChanged"},
	{StatusUpdated, "StatusUpdated"},
	{Reconnect, "Reconnect"},
}

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// Each calls fn once per set bit, in bit order. Bits with no name are passed
// through as a single combined value at the end.
func (f Flags) Each(fn func(Flags)) {
	for _, n := range flagNames {
		if f&n.f != 0 {
			fn(n.f)
		}
	}
	if u := f &^ All; u != 0 {
		fn(u)
	}
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	parts := make([]string, 0)
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if f&^All != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

/**
 * Word is a set of pending condition bits that tasks wait on by mask.
 *
 * Post never blocks on a waiter or allocates, so it can be called from edge
 * callbacks. Bits stay set until a waiter takes them with a mask covering
 * them, so bits nobody asked for are still there for the next waiter.
 */
type Word struct {
	lock    sync.Mutex
	bits    Flags
	waiters []*waiter
}

type waiter struct {
	mask Flags
	ch   chan struct{}
}

func NewWord() *Word {
	return &Word{
		waiters: make([]*waiter, 0),
	}
}

func (w *Word) Post(f Flags) {
	w.lock.Lock()
	w.bits |= f
	for _, wt := range w.waiters {
		if wt.mask&f != 0 {
			select {
			case wt.ch <- struct{}{}:
			default:
			}
		}
	}
	w.lock.Unlock()
}

// Repost puts back bits a waiter took but could not act on.
func (w *Word) Repost(f Flags) {
	if f != 0 {
		w.Post(f)
	}
}

func (w *Word) Peek() Flags {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.bits
}

// Take clears and returns the bits in mask without waiting.
func (w *Word) Take(mask Flags) Flags {
	w.lock.Lock()
	defer w.lock.Unlock()
	got := w.bits & mask
	w.bits &^= got
	return got
}

// Wait blocks until at least one bit in mask is set, then clears and returns
// those bits. A timeout of zero waits until ctx is done.
func (w *Word) Wait(ctx context.Context, mask Flags, timeout time.Duration) (Flags, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	wt := &waiter{mask: mask, ch: make(chan struct{}, 1)}
	defer w.remove(wt)

	for {
		w.lock.Lock()
		got := w.bits & mask
		if got != 0 {
			w.bits &^= got
			w.lock.Unlock()
			return got, nil
		}
		w.addLocked(wt)
		w.lock.Unlock()

		select {
		case <-wt.ch:
		case <-expired:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (w *Word) addLocked(wt *waiter) {
	for _, o := range w.waiters {
		if o == wt {
			return
		}
	}
	w.waiters = append(w.waiters, wt)
}

func (w *Word) remove(wt *waiter) {
	w.lock.Lock()
	defer w.lock.Unlock()
	for i, o := range w.waiters {
		if o == wt {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}
