package netif

import (
	"errors"
	"net"
	"sync"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
)

var ErrStackFull = errors.New("stack receive queue full")

/**
 * MemStack is an in-process stack. Received frames are queued on a channel
 * and DHCP completes at once with a fixed lease.
 *
 */
type MemStack struct {
	iface  *Interface
	lease  *net.IPNet
	frames chan []byte

	lock sync.Mutex
	up   bool
	dhcp bool
}

func NewMemStack(iface *Interface, lease *net.IPNet, depth int) *MemStack {
	return &MemStack{
		iface:  iface,
		lease:  lease,
		frames: make(chan []byte, depth),
	}
}

// Frames returns the frames delivered by the interface, in order.
func (m *MemStack) Frames() <-chan []byte {
	return m.frames
}

func (m *MemStack) DeliverInbound(b *buffer.Buffer) error {
	data := append([]byte{}, b.Bytes()...)
	select {
	case m.frames <- data:
		b.Release()
		return nil
	default:
		return ErrStackFull
	}
}

func (m *MemStack) LinkUp() error {
	m.lock.Lock()
	m.up = true
	m.lock.Unlock()
	return nil
}

func (m *MemStack) LinkDown() error {
	m.lock.Lock()
	m.up = false
	m.lock.Unlock()
	return nil
}

func (m *MemStack) StartDHCP() error {
	m.lock.Lock()
	m.dhcp = true
	up := m.up
	m.lock.Unlock()
	if up && m.lease != nil {
		m.iface.AddressChanged(m.lease)
	}
	return nil
}

func (m *MemStack) StopDHCP() error {
	m.lock.Lock()
	m.dhcp = false
	m.lock.Unlock()
	return nil
}

func (m *MemStack) ClearAddress() error {
	return nil
}

func (m *MemStack) Up() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.up
}

func (m *MemStack) DHCP() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dhcp
}
