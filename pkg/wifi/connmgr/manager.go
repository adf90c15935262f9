package connmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/events"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

var ErrTimeout = errors.New("timed out waiting for status")

// Commands is the part of the correlator the supervisor drives.
type Commands interface {
	SetBypass(ctx context.Context, enabled bool) error
	Connect(ctx context.Context, cp *packets.ConnectParams, timeout time.Duration) error
	Disconnect(ctx context.Context) error
}

// Link is the interface the supervisor applies side effects to.
type Link interface {
	LinkUp() error
	LinkDown() error
	StartDHCP() error
	StopDHCP() error
	ClearAddress() error
	SetConnected(c bool)
	Connected() bool
	Address() *net.IPNet
	Name() string
}

type Config struct {
	Logger         types.Logger
	Network        *packets.ConnectParams
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

func NewDefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 2 * time.Minute,
		PollInterval:   30 * time.Second,
		RetryInitial:   time.Second,
		RetryMax:       30 * time.Second,
	}
}

func (c *Config) WithLogger(l types.Logger) *Config {
	c.Logger = l
	return c
}

func (c *Config) WithNetwork(cp *packets.ConnectParams) *Config {
	c.Network = cp
	return c
}

/**
 * Manager supervises association with the access point and keeps the link
 * side effects (DHCP, interface up/down) in line with the peer's status.
 *
 * Status only changes in HandleStatus, which runs on the router goroutine.
 */
type Manager struct {
	uuid   uuid.UUID
	log    types.Logger
	config *Config
	cmds   Commands
	link   Link
	word   *events.Word
	admin  atomic.Bool

	statusLock sync.Mutex
	status     Status
	reason     uint16
	changed    chan struct{}

	// Only touched by the supervisor goroutine
	linkUp      bool
	retry       *backoff.ExponentialBackOff
	nextAttempt time.Time

	metricTransitions     uint64
	metricConnects        uint64
	metricConnectFailures uint64
	metricReconnects      uint64
	metricLinkUps         uint64
	metricLinkUpFailures  uint64
	metricLinkDowns       uint64
	metricPolls           uint64
}

type Metrics struct {
	Status          Status
	Reason          uint16
	Connected       bool
	AdminUp         bool
	Transitions     uint64
	Connects        uint64
	ConnectFailures uint64
	Reconnects      uint64
	LinkUps         uint64
	LinkUpFailures  uint64
	LinkDowns       uint64
	Polls           uint64
}

func NewManager(cmds Commands, link Link, config *Config) *Manager {
	if config == nil {
		config = NewDefaultConfig()
	}
	retry := backoff.NewExponentialBackOff()
	if config.RetryInitial > 0 {
		retry.InitialInterval = config.RetryInitial
	}
	if config.RetryMax > 0 {
		retry.MaxInterval = config.RetryMax
	}
	retry.MaxElapsedTime = 0
	retry.Reset()

	m := &Manager{
		uuid:    uuid.New(),
		log:     config.Logger,
		config:  config,
		cmds:    cmds,
		link:    link,
		word:    events.NewWord(),
		changed: make(chan struct{}),
		retry:   retry,
	}
	m.admin.Store(true)
	return m
}

// Word is where link related events for this manager are posted.
func (m *Manager) Word() *events.Word {
	return m.word
}

func (m *Manager) Status() Status {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	return m.status
}

func (m *Manager) GetMetrics() *Metrics {
	m.statusLock.Lock()
	status := m.status
	reason := m.reason
	m.statusLock.Unlock()
	return &Metrics{
		Status:          status,
		Reason:          reason,
		Connected:       m.link.Connected(),
		AdminUp:         m.admin.Load(),
		Transitions:     atomic.LoadUint64(&m.metricTransitions),
		Connects:        atomic.LoadUint64(&m.metricConnects),
		ConnectFailures: atomic.LoadUint64(&m.metricConnectFailures),
		Reconnects:      atomic.LoadUint64(&m.metricReconnects),
		LinkUps:         atomic.LoadUint64(&m.metricLinkUps),
		LinkUpFailures:  atomic.LoadUint64(&m.metricLinkUpFailures),
		LinkDowns:       atomic.LoadUint64(&m.metricLinkDowns),
		Polls:           atomic.LoadUint64(&m.metricPolls),
	}
}

// HandleStatus is the router's handler for status events.
func (m *Manager) HandleStatus(_ packets.API, payload []byte) {
	se, err := packets.DecodeStatusEvent(payload)
	if err != nil {
		if m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Int("length", len(payload)).Msg("bad status event")
		}
		return
	}
	s, ok := statusFromLink(se.Link)
	if !ok {
		if m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Uint32("link", se.Link).Msg("unknown link status")
		}
		return
	}

	m.statusLock.Lock()
	old := m.status
	m.status = s
	m.reason = se.Reason
	close(m.changed)
	m.changed = make(chan struct{})
	m.statusLock.Unlock()

	atomic.AddUint64(&m.metricTransitions, 1)
	if m.log != nil {
		m.log.Info().Str("uuid", m.uuid.String()).Str("from", old.String()).Str("to", s.String()).Int("reason", int(se.Reason)).Msg("link status")
	}

	flags := events.StatusUpdated
	wasUp := old.AtLeast(StatusStationUp) || old == StatusAPUp
	isUp := s.AtLeast(StatusStationUp) || s == StatusAPUp
	if isUp && !wasUp {
		flags |= events.LinkUp
	} else if wasUp && !isUp {
		flags |= events.LinkDown
	}
	m.word.Post(flags)
}

// WaitForStatus blocks until the status is at least target. It does not
// consume anything from the event word.
func (m *Manager) WaitForStatus(ctx context.Context, target Status, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.statusLock.Lock()
		s := m.status
		ch := m.changed
		m.statusLock.Unlock()
		if s.AtLeast(target) {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Up allows connection attempts and brings the link up if associated.
func (m *Manager) Up() {
	m.admin.Store(true)
	m.word.Post(events.StatusUpdated | events.LinkUp)
}

// Down stops connection attempts and takes the link down.
func (m *Manager) Down() {
	m.admin.Store(false)
	m.word.Post(events.LinkDown)
}

// Reconnect asks the supervisor to tear down and associate again.
func (m *Manager) Reconnect() {
	m.word.Post(events.Reconnect)
}
