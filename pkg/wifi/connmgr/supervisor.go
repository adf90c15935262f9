package connmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/events"
)

const watched = events.StatusUpdated | events.IPChanged | events.LinkUp | events.LinkDown | events.Reconnect

// Run is the supervisor loop. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.log != nil {
		m.log.Debug().Str("uuid", m.uuid.String()).Str("link", m.link.Name()).Msg("supervisor started")
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if m.shouldConnect() {
			m.connect(ctx)
		}

		wait := m.config.PollInterval
		if !m.nextAttempt.IsZero() {
			if d := time.Until(m.nextAttempt); d < wait {
				wait = max(d, time.Millisecond)
			}
		}

		flags, err := m.word.Wait(ctx, watched, wait)
		if errors.Is(err, events.ErrTimeout) {
			atomic.AddUint64(&m.metricPolls, 1)
			if !m.linkUp && m.wantLinkUp() {
				m.bringUp()
			}
			continue
		} else if err != nil {
			return err
		}
		flags.Each(func(f events.Flags) {
			m.react(ctx, f)
		})
	}
}

func (m *Manager) shouldConnect() bool {
	if !m.admin.Load() || m.config.Network == nil {
		return false
	}
	if m.Status().AtLeast(StatusStationUp) {
		return false
	}
	return m.nextAttempt.IsZero() || !time.Now().Before(m.nextAttempt)
}

// connect sets bypass mode and associates. The result only says the peer
// accepted the request, the status event reports the outcome.
func (m *Manager) connect(ctx context.Context) {
	atomic.AddUint64(&m.metricConnects, 1)
	err := m.cmds.SetBypass(ctx, true)
	if err == nil {
		err = m.cmds.Connect(ctx, m.config.Network, m.config.ConnectTimeout)
	}
	delay := m.retry.NextBackOff()
	m.nextAttempt = time.Now().Add(delay)
	if err != nil {
		atomic.AddUint64(&m.metricConnectFailures, 1)
		if m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Str("ssid", m.config.Network.SSID).Int64("retry_ms", delay.Milliseconds()).Err(err).Msg("connect failed")
		}
		return
	}
	if m.log != nil {
		m.log.Debug().Str("uuid", m.uuid.String()).Str("ssid", m.config.Network.SSID).Msg("connect accepted")
	}
}

// react handles one bit. Every reaction tolerates repeats.
func (m *Manager) react(ctx context.Context, f events.Flags) {
	switch f {
	case events.StatusUpdated:
		s := m.Status()
		if s.AtLeast(StatusStationUp) || s == StatusAPUp {
			m.retry.Reset()
			m.nextAttempt = time.Time{}
			if m.admin.Load() {
				m.bringUp()
			}
		} else {
			m.bringDown()
		}

	case events.LinkUp:
		if m.wantLinkUp() {
			m.bringUp()
		}

	case events.LinkDown:
		m.bringDown()

	case events.IPChanged:
		addr := m.link.Address()
		if addr == nil {
			if m.log != nil {
				m.log.Info().Str("uuid", m.uuid.String()).Str("link", m.link.Name()).Msg("address cleared")
			}
			return
		}
		if m.log != nil {
			m.log.Info().Str("uuid", m.uuid.String()).Str("link", m.link.Name()).Str("address", addr.String()).Msg("address assigned")
		}
		m.link.SetConnected(true)

	case events.Reconnect:
		atomic.AddUint64(&m.metricReconnects, 1)
		m.link.SetConnected(false)
		m.bringDown()
		err := m.cmds.SetBypass(ctx, false)
		if err != nil && m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Err(err).Msg("disable bypass failed")
		}
		err = m.cmds.Disconnect(ctx)
		if err != nil && m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Err(err).Msg("disconnect failed")
		}
		m.retry.Reset()
		m.nextAttempt = time.Time{}
		if m.admin.Load() && m.config.Network != nil {
			m.connect(ctx)
		}

	default:
		if m.log != nil {
			m.log.Warn().Str("uuid", m.uuid.String()).Str("flags", f.String()).Msg("unexpected event")
		}
	}
}

// bringUp only marks the link up once both steps succeed, so a failure is
// retried on the next status event or poll.
func (m *Manager) bringUp() {
	if m.linkUp {
		return
	}
	err := m.link.LinkUp()
	if err == nil {
		err = m.link.StartDHCP()
		if err != nil {
			err = errors.Join(err, m.link.LinkDown())
		}
	}
	if err != nil {
		atomic.AddUint64(&m.metricLinkUpFailures, 1)
		if m.log != nil {
			m.log.Error().Str("uuid", m.uuid.String()).Str("link", m.link.Name()).Err(err).Msg("link up failed")
		}
		return
	}
	m.linkUp = true
	atomic.AddUint64(&m.metricLinkUps, 1)
}

func (m *Manager) wantLinkUp() bool {
	s := m.Status()
	return m.admin.Load() && (s.AtLeast(StatusStationUp) || s == StatusAPUp)
}

func (m *Manager) bringDown() {
	m.link.SetConnected(false)
	if !m.linkUp {
		return
	}
	m.linkUp = false
	atomic.AddUint64(&m.metricLinkDowns, 1)
	var errs []error
	errs = append(errs, m.link.StopDHCP())
	errs = append(errs, m.link.ClearAddress())
	errs = append(errs, m.link.LinkDown())
	err := errors.Join(errs...)
	if err != nil && m.log != nil {
		m.log.Error().Str("uuid", m.uuid.String()).Str("link", m.link.Name()).Err(err).Msg("link down failed")
	}
}
