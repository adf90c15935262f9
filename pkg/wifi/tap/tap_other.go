//go:build !linux

package tap

import (
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
)

func Open(_ *netif.Interface, _ *Config) (*Stack, error) {
	return nil, ErrUnsupported
}
