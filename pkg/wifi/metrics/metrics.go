package metrics

import (
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
)

type WifiMetrics interface {
	Shutdown()
	RemoveAllID(id string)

	AddEngine(id string, name string, e *dataplane.Engine)
	RemoveEngine(id string, name string)

	AddCorrelator(id string, name string, c *ipc.Correlator)
	RemoveCorrelator(id string, name string)

	AddRouter(id string, name string, r *ipc.Router)
	RemoveRouter(id string, name string)

	AddInterface(id string, name string, i *netif.Interface)
	RemoveInterface(id string, name string)

	AddManager(id string, name string, m *connmgr.Manager)
	RemoveManager(id string, name string)

	AddAllocator(id string, name string, a *buffer.Allocator)
	RemoveAllocator(id string, name string)
}
