//go:build linux

package tap

import (
	"net"
	"os"

	"github.com/loopholelabs/wispi/pkg/wifi/netif"
	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// Open creates (or attaches to) a TAP device and wraps it in a Stack.
func Open(iface *netif.Interface, config *Config) (*Stack, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	ifr, err := unix.NewIfreq(config.Device)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	// Non blocking so the runtime poller can interrupt reads on Close
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	dev := os.NewFile(uintptr(fd), tunDevice)
	s := NewStack(dev, &linkControl{name: ifr.Name()}, iface, config)
	if s.log != nil {
		s.log.Info().Str("uuid", s.uuid.String()).Str("device", ifr.Name()).Msg("tap device open")
	}
	return s, nil
}

type linkControl struct {
	name string
}

func (l *linkControl) ioctl(fn func(fd int) error) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fn(fd)
}

func (l *linkControl) SetUp(up bool) error {
	return l.ioctl(func(fd int) error {
		ifr, err := unix.NewIfreq(l.name)
		if err != nil {
			return err
		}
		err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr)
		if err != nil {
			return err
		}
		flags := ifr.Uint16()
		if up {
			flags |= unix.IFF_UP
		} else {
			flags &^= unix.IFF_UP
		}
		ifr.SetUint16(flags)
		return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
	})
}

// SetAddress sets the IPv4 address and netmask. nil clears the address.
func (l *linkControl) SetAddress(addr *net.IPNet) error {
	ip := net.IPv4zero.To4()
	mask := net.IP(net.CIDRMask(0, 32))
	if addr != nil {
		ip = addr.IP.To4()
		mask = net.IP(addr.Mask)
	}
	return l.ioctl(func(fd int) error {
		ifr, err := unix.NewIfreq(l.name)
		if err != nil {
			return err
		}
		err = ifr.SetInet4Addr(ip)
		if err != nil {
			return err
		}
		err = unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr)
		if err != nil || addr == nil {
			return err
		}
		err = ifr.SetInet4Addr(mask.To4())
		if err != nil {
			return err
		}
		return unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, ifr)
	})
}
