package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/config"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/loopholelabs/wispi/pkg/wifi/metrics"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
	"github.com/loopholelabs/wispi/pkg/wifi/tap"
	"github.com/loopholelabs/wispi/pkg/wifi/transport/serialbridge"
	"github.com/loopholelabs/wispi/pkg/wifi/transport/sim"
	"golang.org/x/sync/errgroup"
)

var ErrRunning = errors.New("device already running")

const memStackDepth = 64

/**
 * Device is one assembled bridge: the bus, the dataplane engine, the request
 * correlator and its router, the network interface and the connection
 * supervisor.
 *
 */
type Device struct {
	uuid   uuid.UUID
	log    types.Logger
	name   string
	schema *config.WispiSchema

	Allocator  *buffer.Allocator
	Bus        frame.Bus
	Peer       *sim.Peer // Only set for the sim transport
	Engine     *dataplane.Engine
	Correlator *ipc.Correlator
	Router     *ipc.Router
	Interface  *netif.Interface
	Manager    *connmgr.Manager
	Stack      netif.Stack

	tap       *tap.Stack
	busCloser io.Closer
	pipe      chan *buffer.Buffer

	metricsLock sync.Mutex
	metrics     metrics.WifiMetrics

	runLock  sync.Mutex
	cancelFn context.CancelFunc
	group    *errgroup.Group
}

// New builds a device from a config, opening the transport it names.
func New(name string, schema *config.WispiSchema, log types.Logger) (*Device, error) {
	var bus frame.Bus
	var busCloser io.Closer
	var peer *sim.Peer

	switch schema.Transport.Kind {
	case config.TransportSim:
		simConfig := sim.NewDefaultConfig().WithLogger(log)
		simConfig.Echo = schema.Transport.Echo
		if schema.Transport.Version != "" {
			simConfig.Version = schema.Transport.Version
		}
		mac, err := schema.Transport.GetMAC()
		if err != nil {
			return nil, err
		}
		if mac != nil {
			simConfig.MAC = mac
		}
		if cp, _ := schema.Wifi.ConnectParams(); cp != nil {
			simConfig.Networks = map[string]string{cp.SSID: cp.Passphrase}
		}
		peer = sim.NewPeer(simConfig)
		bus = peer
	case config.TransportSerial:
		bridgeConfig := serialbridge.NewDefaultConfig(schema.Transport.Device)
		bridgeConfig.Logger = log
		bridgeConfig.Baud = schema.Transport.GetBaud()
		rt, err := schema.Transport.GetReplyTimeout()
		if err != nil {
			return nil, err
		}
		bridgeConfig.ReplyTimeout = rt
		bridge, err := serialbridge.Open(bridgeConfig)
		if err != nil {
			return nil, err
		}
		bus = bridge
		busCloser = bridge
	default:
		return nil, fmt.Errorf("%w: transport %q", config.ErrInvalidConfig, schema.Transport.Kind)
	}

	d, err := NewWithBus(name, bus, schema, log)
	if err != nil {
		if busCloser != nil {
			_ = busCloser.Close()
		}
		return nil, err
	}
	d.Peer = peer
	d.busCloser = busCloser
	return d, nil
}

// NewWithBus builds a device on a bus the caller already has, such as an
// spibus.Bus set up by board code. The transport block is ignored.
func NewWithBus(name string, bus frame.Bus, schema *config.WispiSchema, log types.Logger) (*Device, error) {
	alloc := buffer.NewAllocator()

	dpConfig, err := schema.Dataplane.Config()
	if err != nil {
		return nil, err
	}
	dpConfig.Logger = log
	dpConfig.Allocator = alloc

	ipcConfig, err := schema.IPC.Config()
	if err != nil {
		return nil, err
	}
	ipcConfig.Logger = log
	ipcConfig.Allocator = alloc

	ifSchema := schema.GetInterface()
	ifConfig, err := ifSchema.Config()
	if err != nil {
		return nil, err
	}
	ifConfig.Logger = log
	ifConfig.Allocator = alloc
	ifConfig.MaxFrame = dpConfig.Frame.MaxFrame
	addr, err := ifSchema.GetAddress()
	if err != nil {
		return nil, err
	}

	supConfig, err := schema.Supervisor.Config()
	if err != nil {
		return nil, err
	}
	network, err := schema.Wifi.ConnectParams()
	if err != nil {
		return nil, err
	}
	supConfig.WithLogger(log).WithNetwork(network)

	d := &Device{
		uuid:      uuid.New(),
		log:       log,
		name:      name,
		schema:    schema,
		Allocator: alloc,
		Bus:       bus,
	}

	d.pipe = make(chan *buffer.Buffer, schema.IPC.GetPipeDepth())
	d.Engine = dataplane.NewEngine(bus, d.pipe, dpConfig)
	d.Correlator = ipc.NewCorrelator(d.Engine, ipcConfig)
	d.Router = ipc.NewRouter(d.Correlator, d.pipe, log)
	d.Interface = netif.NewInterface(d.Engine, ifConfig)
	d.Engine.SetReceiver(d.Interface)
	d.Manager = connmgr.NewManager(d.Correlator, d.Interface, supConfig)
	d.Interface.SetEvents(d.Manager.Word())
	d.Router.Handle(packets.APIEventStatus, d.Manager.HandleStatus)

	if ifSchema.Tap {
		ts, err := tap.Open(d.Interface, &tap.Config{
			Logger:  log,
			Device:  ifConfig.Name,
			Address: addr,
		})
		if err != nil {
			return nil, err
		}
		d.tap = ts
		d.Stack = ts
	} else {
		d.Stack = netif.NewMemStack(d.Interface, addr, memStackDepth)
	}
	d.Interface.SetStack(d.Stack)

	if log != nil {
		log.Info().
			Str("uuid", d.uuid.String()).
			Str("name", name).
			Str("interface", ifConfig.Name).
			Str("stack", stackKind(ifSchema.Tap)).
			Msg("device assembled")
	}
	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) UUID() uuid.UUID {
	return d.uuid
}

// SetMetrics registers every component with a metrics backend.
func (d *Device) SetMetrics(m metrics.WifiMetrics) {
	d.metricsLock.Lock()
	defer d.metricsLock.Unlock()
	id := d.uuid.String()
	if d.metrics != nil {
		d.metrics.RemoveAllID(id)
	}
	d.metrics = m
	if m == nil {
		return
	}
	m.AddAllocator(id, d.name, d.Allocator)
	m.AddEngine(id, d.name, d.Engine)
	m.AddCorrelator(id, d.name, d.Correlator)
	m.AddRouter(id, d.name, d.Router)
	m.AddInterface(id, d.name, d.Interface)
	m.AddManager(id, d.name, d.Manager)
}

// Start runs the engine, router and supervisor loops, plus the tap pump
// if there is one. The first loop to fail stops the rest.
func (d *Device) Start(ctx context.Context) error {
	d.runLock.Lock()
	defer d.runLock.Unlock()
	if d.group != nil {
		return ErrRunning
	}

	ctx, d.cancelFn = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Engine.Run(gctx)
	})
	g.Go(func() error {
		return d.Router.Run(gctx)
	})
	g.Go(func() error {
		return d.Manager.Run(gctx)
	})
	if d.tap != nil {
		g.Go(func() error {
			return d.tap.Run(gctx)
		})
	}
	d.group = g

	if d.log != nil {
		d.log.Debug().Str("uuid", d.uuid.String()).Str("name", d.name).Msg("device started")
	}
	return nil
}

// Wait blocks until the loops have stopped. Stopping through Close or a
// cancelled context is not an error.
func (d *Device) Wait() error {
	d.runLock.Lock()
	g := d.group
	d.runLock.Unlock()
	if g == nil {
		return nil
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the loops, drops anything still queued and closes the
// transport.
func (d *Device) Close() error {
	d.runLock.Lock()
	cancelFn := d.cancelFn
	d.runLock.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	err := d.Wait()

	d.SetMetrics(nil)
	d.Engine.Close()
	d.drainPipe()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if d.tap != nil {
		if cerr := d.tap.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			errs = append(errs, cerr)
		}
	}
	if d.busCloser != nil {
		if cerr := d.busCloser.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	if d.log != nil {
		d.log.Info().
			Str("uuid", d.uuid.String()).
			Str("name", d.name).
			Int64("outstanding", d.Allocator.Outstanding()).
			Msg("device closed")
	}
	return errors.Join(errs...)
}

// drainPipe releases responses the engine handed over after the router
// stopped reading.
func (d *Device) drainPipe() {
	for {
		select {
		case b := <-d.pipe:
			b.Release()
		default:
			return
		}
	}
}

func stackKind(isTap bool) string {
	if isTap {
		return "tap"
	}
	return "memory"
}
