package device

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/testutils"
	"github.com/loopholelabs/wispi/pkg/wifi/buffer"
	"github.com/loopholelabs/wispi/pkg/wifi/config"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/loopholelabs/wispi/pkg/wifi/metrics/prometheus"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
	"github.com/loopholelabs/wispi/pkg/wifi/transport/sim"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simSchema = `
transport sim {
	echo = true
	version = "wispi-test 2.1.0"
}

wifi {
	ssid = "lab"
	passphrase = "password1"
}

ipc {
	pool_size = 2
	request_timeout = "1s"
}

dataplane {
	idle_timeout = "10ms"
}

interface "wl0" {
	address = "10.0.0.2/24"
}

supervisor {
	poll_interval = "50ms"
	retry_max = "100ms"
}
`

func newTestDevice(t *testing.T, schema string) (*Device, *testutils.SafeWriteBuffer) {
	s := new(config.WispiSchema)
	require.NoError(t, s.Decode([]byte(schema)))

	logBuffer := &testutils.SafeWriteBuffer{}
	log := logging.New(logging.Zerolog, "wispi", logBuffer)
	log.SetLevel(types.DebugLevel)

	d, err := New("test", s, log)
	require.NoError(t, err)
	return d, logBuffer
}

func TestDeviceEndToEnd(t *testing.T) {
	d, logBuffer := newTestDevice(t, simSchema)
	require.NotNil(t, d.Peer)

	ctx := context.TODO()
	require.NoError(t, d.Start(ctx))
	assert.ErrorIs(t, d.Start(ctx), ErrRunning)

	v, err := d.Correlator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wispi-test 2.1.0", v)

	mac, err := d.Correlator.MAC(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.NewDefaultConfig().MAC, mac)

	// The supervisor joins the configured network on its own
	err = d.Manager.WaitForStatus(ctx, connmgr.StatusStationUp, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lab", d.Peer.Connected())
	assert.Eventually(t, d.Interface.Connected, 2*time.Second, time.Millisecond)
	assert.Equal(t, "10.0.0.2/24", d.Interface.Address().String())

	// Frames go out over the bulk path and the peer echoes them back in
	f := make([]byte, 100)
	binary.BigEndian.PutUint16(f[12:], netif.EtherTypeIPv4)
	f[50] = 0x42
	require.NoError(t, d.Interface.Output(ctx, [][]byte{f}))

	ms := d.Stack.(*netif.MemStack)
	select {
	case got := <-ms.Frames():
		assert.Equal(t, f, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not echoed")
	}

	require.NoError(t, d.Close())
	assert.Equal(t, int64(0), d.Allocator.Outstanding())
	assert.Contains(t, logBuffer.Messages(), "device closed")
}

func TestDeviceMetrics(t *testing.T) {
	d, _ := newTestDevice(t, simSchema)
	reg := promclient.NewRegistry()
	m := prometheus.New(reg, prometheus.DefaultConfig())
	defer m.Shutdown()
	d.SetMetrics(m)

	require.NoError(t, d.Start(context.TODO()))
	_, err := d.Correlator.Version(context.TODO())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "wispi_ipc_requests")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Close())
}

func TestDeviceStatusEvents(t *testing.T) {
	d, _ := newTestDevice(t, simSchema)
	require.NoError(t, d.Start(context.TODO()))
	defer d.Close()

	require.NoError(t, d.Manager.WaitForStatus(context.TODO(), connmgr.StatusStationUp, 2*time.Second))

	assert.Eventually(t, func() bool {
		return d.Manager.GetMetrics().LinkUps == 1
	}, 2*time.Second, time.Millisecond)

	// Access point drops us, the supervisor takes the link down and joins again
	d.Peer.SendStatus(packets.LinkStationDown, sim.ReasonLost)
	assert.Eventually(t, func() bool {
		m := d.Manager.GetMetrics()
		return m.LinkDowns == 1 && m.LinkUps == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, connmgr.StatusStationUp, d.Manager.Status())
}

func TestDeviceCloseWithoutStart(t *testing.T) {
	d, _ := newTestDevice(t, simSchema)
	require.NoError(t, d.Close())
	assert.Equal(t, int64(0), d.Allocator.Outstanding())
}

func TestDeviceCloseReleasesPendingResponses(t *testing.T) {
	d, _ := newTestDevice(t, simSchema)
	require.Greater(t, cap(d.pipe), 1)
	before := d.Allocator.Outstanding()

	// Responses the engine queued but the router never picked up
	d.pipe <- d.Allocator.NewFrom(buffer.RoleRx, []byte{1, 2, 3})
	d.pipe <- d.Allocator.NewFrom(buffer.RoleRx, []byte{4, 5, 6})
	require.Equal(t, before+2, d.Allocator.Outstanding())

	require.NoError(t, d.Close())
	assert.Equal(t, 0, len(d.pipe))
	assert.Equal(t, int64(0), d.Allocator.Outstanding())
}
