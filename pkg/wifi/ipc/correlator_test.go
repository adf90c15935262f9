package ipc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/loopholelabs/wispi/pkg/wifi/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	alloc      *buffer.Allocator
	peer       *sim.Peer
	engine     *dataplane.Engine
	correlator *Correlator
	router     *Router
}

func newTestStack(t *testing.T, simConfig *sim.Config, poolSize int) *testStack {
	alloc := buffer.NewAllocator()
	peer := sim.NewPeer(simConfig)
	pipe := make(chan *buffer.Buffer, 8)

	dpConfig := dataplane.NewDefaultConfig()
	dpConfig.Allocator = alloc
	dpConfig.IdleTimeout = 10 * time.Millisecond
	engine := dataplane.NewEngine(peer, pipe, dpConfig)

	config := NewDefaultConfig()
	config.Allocator = alloc
	config.PoolSize = poolSize
	config.RequestTimeout = time.Second
	c := NewCorrelator(engine, config)
	r := NewRouter(c, pipe, nil)

	ctx, cancelFn := context.WithCancel(context.TODO())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelFn()
		wg.Wait()
		engine.Close()
	})

	return &testStack{
		alloc:      alloc,
		peer:       peer,
		engine:     engine,
		correlator: c,
		router:     r,
	}
}

func TestCommands(t *testing.T) {
	ts := newTestStack(t, nil, 1)
	ctx := context.TODO()

	v, err := ts.correlator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.NewDefaultConfig().Version, v)

	mac, err := ts.correlator.MAC(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.NewDefaultConfig().MAC, mac)

	require.NoError(t, ts.correlator.SetBypass(ctx, true))
	assert.True(t, ts.peer.Bypass())

	err = ts.correlator.Connect(ctx, &packets.ConnectParams{SSID: "home", Passphrase: "secret", Security: packets.SecurityWPA2}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "home", ts.peer.Connected())

	require.NoError(t, ts.correlator.Disconnect(ctx))
	assert.Equal(t, "", ts.peer.Connected())

	require.NoError(t, ts.correlator.FactoryReset(ctx))
	assert.False(t, ts.peer.Bypass())

	m := ts.correlator.GetMetrics()
	assert.Equal(t, uint64(6), m.Requests)
	assert.Equal(t, uint64(6), m.Responses)
	assert.Equal(t, 0, m.InFlight)
}

func TestStatusError(t *testing.T) {
	simConfig := sim.NewDefaultConfig()
	simConfig.Networks = map[string]string{"home": "secret"}
	ts := newTestStack(t, simConfig, 1)

	err := ts.correlator.Connect(context.TODO(), &packets.ConnectParams{SSID: "home", Passphrase: "wrong"}, time.Second)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sim.StatusAuthFailed, se.Status)
	assert.Equal(t, packets.APIWifiConnect, se.API)

	err = ts.correlator.Connect(context.TODO(), &packets.ConnectParams{SSID: ""}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestPoolExhausted(t *testing.T) {
	ts := newTestStack(t, nil, 1)
	ts.peer.HoldReplies()

	first := make(chan error, 1)
	go func() {
		_, err := ts.correlator.Version(context.TODO())
		first <- err
	}()
	assert.Eventually(t, func() bool {
		return ts.peer.Held() == 1
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := ts.correlator.Version(context.TODO())
		second <- err
	}()

	// The second caller cannot get a slot, so nothing more reaches the peer
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), ts.peer.GetMetrics().Commands)
	assert.Equal(t, 1, ts.correlator.InFlight())
	select {
	case <-second:
		t.Fatal("second caller should be blocked")
	default:
	}

	ts.peer.ReleaseReplies()
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, 0, ts.correlator.InFlight())
	assert.Equal(t, uint64(2), ts.peer.GetMetrics().Commands)
}

func TestTimeoutNoLeak(t *testing.T) {
	ts := newTestStack(t, nil, 1)
	ts.peer.HoldReplies()

	_, err := ts.correlator.SendRequest(context.TODO(), packets.APIGetVersion, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, ts.correlator.InFlight())
	assert.Equal(t, uint64(1), ts.correlator.GetMetrics().Timeouts)

	// The late reply finds nobody and is dropped
	ts.peer.ReleaseReplies()
	assert.Eventually(t, func() bool {
		return ts.router.GetMetrics().Dropped == 1
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return ts.alloc.Live() == 0 && ts.alloc.Outstanding() == 0
	}, time.Second, time.Millisecond)

	// The slot is usable again
	_, err = ts.correlator.Version(context.TODO())
	require.NoError(t, err)
}

func TestConcurrentRequests(t *testing.T) {
	ts := newTestStack(t, nil, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mac, err := ts.correlator.MAC(context.TODO())
			if err == nil && mac.String() != sim.NewDefaultConfig().MAC.String() {
				err = errors.New("wrong mac")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 0, ts.correlator.InFlight())
	assert.Eventually(t, func() bool {
		return ts.alloc.Live() == 0 && ts.alloc.Outstanding() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), ts.alloc.GetMetrics().Underflows)
}

func TestEvents(t *testing.T) {
	ts := newTestStack(t, nil, 1)

	got := make(chan *packets.StatusEvent, 1)
	ts.router.Handle(packets.APIEventStatus, func(api packets.API, payload []byte) {
		se, err := packets.DecodeStatusEvent(payload)
		if err == nil {
			got <- se
		}
	})

	ts.peer.SendStatus(packets.LinkStationUp, 7)
	select {
	case se := <-got:
		assert.Equal(t, packets.LinkStationUp, se.Link)
		assert.Equal(t, uint16(7), se.Reason)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	// No handler, counted and dropped
	ts.router.Handle(packets.APIEventStatus, nil)
	ts.peer.SendStatus(packets.LinkStationDown, 0)
	assert.Eventually(t, func() bool {
		return ts.router.GetMetrics().Unhandled == 1
	}, time.Second, time.Millisecond)
}

func TestNextIDSkipsZero(t *testing.T) {
	c := NewCorrelator(nil, nil)
	c.lastID = 0xfffffffe
	assert.Equal(t, uint32(0xffffffff), c.nextID())
	assert.Equal(t, uint32(1), c.nextID())
}

func TestCancel(t *testing.T) {
	ts := newTestStack(t, nil, 1)
	ts.peer.HoldReplies()

	ctx, cancelFn := context.WithCancel(context.TODO())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancelFn()
	}()
	_, err := ts.correlator.Version(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ts.correlator.InFlight())
}
