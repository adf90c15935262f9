package connmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/events"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommands struct {
	lock        sync.Mutex
	calls       []string
	failConnect int
	onConnect   func()
}

func (fc *fakeCommands) record(c string) {
	fc.lock.Lock()
	fc.calls = append(fc.calls, c)
	fc.lock.Unlock()
}

func (fc *fakeCommands) Calls() []string {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return append([]string{}, fc.calls...)
}

func (fc *fakeCommands) count(c string) int {
	n := 0
	for _, call := range fc.Calls() {
		if call == c {
			n++
		}
	}
	return n
}

func (fc *fakeCommands) SetBypass(_ context.Context, enabled bool) error {
	if enabled {
		fc.record("bypass-on")
	} else {
		fc.record("bypass-off")
	}
	return nil
}

func (fc *fakeCommands) Connect(_ context.Context, cp *packets.ConnectParams, _ time.Duration) error {
	fc.record("connect:" + cp.SSID)
	fc.lock.Lock()
	fail := fc.failConnect > 0
	if fail {
		fc.failConnect--
	}
	onConnect := fc.onConnect
	fc.lock.Unlock()
	if fail {
		return errors.New("auth failed")
	}
	if onConnect != nil {
		onConnect()
	}
	return nil
}

func (fc *fakeCommands) Disconnect(_ context.Context) error {
	fc.record("disconnect")
	return nil
}

type fakeLink struct {
	lock      sync.Mutex
	calls     []string
	connected bool
	addr      *net.IPNet
	failUp    int
}

func (fl *fakeLink) record(c string) error {
	fl.lock.Lock()
	fl.calls = append(fl.calls, c)
	fl.lock.Unlock()
	return nil
}

func (fl *fakeLink) Calls() []string {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	return append([]string{}, fl.calls...)
}

func (fl *fakeLink) LinkUp() error {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	fl.calls = append(fl.calls, "up")
	if fl.failUp > 0 {
		fl.failUp--
		return errors.New("link busy")
	}
	return nil
}

func (fl *fakeLink) LinkDown() error     { return fl.record("down") }
func (fl *fakeLink) StartDHCP() error    { return fl.record("dhcp-start") }
func (fl *fakeLink) StopDHCP() error     { return fl.record("dhcp-stop") }
func (fl *fakeLink) ClearAddress() error { return fl.record("clear") }
func (fl *fakeLink) Name() string        { return "wl0" }

func (fl *fakeLink) SetConnected(c bool) {
	fl.lock.Lock()
	fl.connected = c
	fl.lock.Unlock()
}

func (fl *fakeLink) Connected() bool {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	return fl.connected
}

func (fl *fakeLink) Address() *net.IPNet {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	return fl.addr
}

func statusEvent(link uint32) []byte {
	return packets.EncodeStatusEvent(&packets.StatusEvent{Link: link})
}

func newTestManager(t *testing.T) (*Manager, *fakeCommands, *fakeLink) {
	fc := &fakeCommands{}
	fl := &fakeLink{}
	config := NewDefaultConfig().WithNetwork(&packets.ConnectParams{SSID: "home", Passphrase: "secret"})
	config.PollInterval = 20 * time.Millisecond
	config.RetryInitial = 5 * time.Millisecond
	config.RetryMax = 20 * time.Millisecond
	m := NewManager(fc, fl, config)
	fc.onConnect = func() {
		m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationUp))
	}
	return m, fc, fl
}

func runManager(t *testing.T, m *Manager) {
	ctx, cancelFn := context.WithCancel(context.TODO())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelFn()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestWaitForStatus(t *testing.T) {
	m, _, _ := newTestManager(t)

	done := make(chan error, 1)
	go func() {
		done <- m.WaitForStatus(context.TODO(), StatusStationUp, time.Second)
	}()

	m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationDown))
	select {
	case <-done:
		t.Fatal("returned before station up")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, StatusStationDown, m.Status())

	m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationUp))
	require.NoError(t, <-done)

	// Already there
	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationDown, time.Millisecond))

	err := m.WaitForStatus(context.TODO(), StatusStationGotIP, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// The waits took nothing from the word
	assert.True(t, m.Word().Peek().Has(events.StatusUpdated))
}

func TestConnectAndLinkUp(t *testing.T) {
	m, fc, fl := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, time.Second))
	assert.Eventually(t, func() bool {
		calls := fl.Calls()
		return len(calls) == 2 && calls[0] == "up" && calls[1] == "dhcp-start"
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"bypass-on", "connect:home"}, fc.Calls())

	// Address from DHCP marks the link connected
	fl.lock.Lock()
	fl.addr = &net.IPNet{IP: net.IPv4(10, 0, 0, 9), Mask: net.CIDRMask(8, 32)}
	fl.lock.Unlock()
	m.Word().Post(events.IPChanged)
	assert.Eventually(t, fl.Connected, time.Second, time.Millisecond)

	// Repeated status does not repeat side effects
	m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationIP))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, len(fl.Calls()))
	assert.Equal(t, 1, fc.count("connect:home"))
	assert.Equal(t, uint64(1), m.GetMetrics().LinkUps)
}

func TestLinkUpRetried(t *testing.T) {
	m, _, fl := newTestManager(t)
	fl.failUp = 1
	runManager(t, m)

	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, time.Second))

	// The first attempt fails and the next poll brings the link up
	assert.Eventually(t, func() bool {
		return m.GetMetrics().LinkUps == 1
	}, time.Second, time.Millisecond)
	calls := fl.Calls()
	require.Equal(t, []string{"up", "up", "dhcp-start"}, calls)
	metrics := m.GetMetrics()
	assert.Equal(t, uint64(1), metrics.LinkUpFailures)

	// Later status events leave a working link alone
	m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationIP))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, len(fl.Calls()))
}

func TestLinkLost(t *testing.T) {
	m, fc, fl := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, time.Second))
	fl.SetConnected(true)

	// The peer loses the access point, the supervisor tears down and retries
	m.HandleStatus(packets.APIEventStatus, statusEvent(packets.LinkStationDown))
	assert.Eventually(t, func() bool {
		return fc.count("connect:home") >= 2
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, c := range fl.Calls() {
			if c == "dhcp-stop" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.False(t, fl.Connected())
}

func TestConnectRetry(t *testing.T) {
	m, fc, _ := newTestManager(t)
	fc.failConnect = 3
	runManager(t, m)

	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, 2*time.Second))
	assert.Equal(t, 4, fc.count("connect:home"))
	assert.Equal(t, uint64(3), m.GetMetrics().ConnectFailures)
}

func TestAdminDown(t *testing.T) {
	m, fc, fl := newTestManager(t)
	m.Down()
	runManager(t, m)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, len(fc.Calls()))
	assert.False(t, m.GetMetrics().AdminUp)

	m.Up()
	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, time.Second))
	assert.Eventually(t, func() bool {
		return len(fl.Calls()) == 2
	}, time.Second, time.Millisecond)

	m.Down()
	assert.Eventually(t, func() bool {
		calls := fl.Calls()
		return len(calls) == 5 && calls[2] == "dhcp-stop" && calls[3] == "clear" && calls[4] == "down"
	}, time.Second, time.Millisecond)
}

func TestReconnect(t *testing.T) {
	m, fc, _ := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.WaitForStatus(context.TODO(), StatusStationUp, time.Second))
	m.Reconnect()
	assert.Eventually(t, func() bool {
		return fc.count("connect:home") == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"bypass-on", "connect:home", "bypass-off", "disconnect", "bypass-on", "connect:home"}, fc.Calls())
	assert.Equal(t, uint64(1), m.GetMetrics().Reconnects)
}
