package tap

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
)

var ErrUnsupported = errors.New("tap devices are not supported on this platform")

const ethernetMTU = 1514

// LinkControl changes the state of the host side link.
type LinkControl interface {
	SetUp(up bool) error
	SetAddress(addr *net.IPNet) error
}

type Config struct {
	Logger  types.Logger
	Device  string     // Host interface name, e.g. "wispi0"
	Address *net.IPNet // Static address applied on StartDHCP, nil leaves it to the host
}

/**
 * Stack hands the interface to the host kernel through a TAP device. Frames
 * the kernel sends are pumped into the interface, and frames received from
 * the peer are written back to the kernel.
 *
 */
type Stack struct {
	uuid   uuid.UUID
	log    types.Logger
	config *Config
	iface  *netif.Interface
	dev    io.ReadWriteCloser
	link   LinkControl

	wLock sync.Mutex
	lock  sync.Mutex
	up    bool
	dhcp  bool

	metricFramesIn   uint64
	metricFramesOut  uint64
	metricOutputErrs uint64
	metricWriteErrs  uint64
}

type Metrics struct {
	FramesIn     uint64
	FramesOut    uint64
	OutputErrors uint64
	WriteErrors  uint64
}

func NewStack(dev io.ReadWriteCloser, link LinkControl, iface *netif.Interface, config *Config) *Stack {
	return &Stack{
		uuid:   uuid.New(),
		log:    config.Logger,
		config: config,
		iface:  iface,
		dev:    dev,
		link:   link,
	}
}

func (s *Stack) GetMetrics() *Metrics {
	return &Metrics{
		FramesIn:     atomic.LoadUint64(&s.metricFramesIn),
		FramesOut:    atomic.LoadUint64(&s.metricFramesOut),
		OutputErrors: atomic.LoadUint64(&s.metricOutputErrs),
		WriteErrors:  atomic.LoadUint64(&s.metricWriteErrs),
	}
}

func (s *Stack) Close() error {
	return s.dev.Close()
}

// DeliverInbound writes a frame from the peer to the host kernel.
func (s *Stack) DeliverInbound(b *buffer.Buffer) error {
	s.wLock.Lock()
	_, err := s.dev.Write(b.Bytes())
	s.wLock.Unlock()
	if err != nil {
		atomic.AddUint64(&s.metricWriteErrs, 1)
		return err
	}
	atomic.AddUint64(&s.metricFramesIn, 1)
	b.Release()
	return nil
}

func (s *Stack) LinkUp() error {
	s.lock.Lock()
	s.up = true
	s.lock.Unlock()
	return s.link.SetUp(true)
}

func (s *Stack) LinkDown() error {
	s.lock.Lock()
	s.up = false
	s.lock.Unlock()
	return s.link.SetUp(false)
}

// StartDHCP applies the static address if there is one. Dynamic addressing is
// left to whatever DHCP client the host runs on the device.
func (s *Stack) StartDHCP() error {
	s.lock.Lock()
	s.dhcp = true
	up := s.up
	s.lock.Unlock()
	if !up || s.config.Address == nil {
		return nil
	}
	err := s.link.SetAddress(s.config.Address)
	if err != nil {
		return err
	}
	s.iface.AddressChanged(s.config.Address)
	return nil
}

func (s *Stack) StopDHCP() error {
	s.lock.Lock()
	s.dhcp = false
	s.lock.Unlock()
	return nil
}

func (s *Stack) ClearAddress() error {
	if s.config.Address == nil {
		return nil
	}
	return s.link.SetAddress(nil)
}

// Run pumps frames from the host kernel to the interface until ctx is done
// or the device is closed.
func (s *Stack) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.dev.Close()
	}()

	buff := make([]byte, ethernetMTU)
	for {
		n, err := s.dev.Read(buff)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n == 0 {
			continue
		}
		// Output copies into its own buffer, so buff can be reused
		err = s.iface.Output(ctx, net.Buffers{buff[:n]})
		if err != nil {
			atomic.AddUint64(&s.metricOutputErrs, 1)
			if s.log != nil {
				s.log.Debug().Str("uuid", s.uuid.String()).Int("size", n).Err(err).Msg("tap frame not sent")
			}
			continue
		}
		atomic.AddUint64(&s.metricFramesOut, 1)
	}
}
