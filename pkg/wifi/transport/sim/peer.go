package sim

import (
	"sync/atomic"

	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

// Reason codes carried on station down events.
const (
	ReasonNone       = uint16(0)
	ReasonLeaving    = uint16(8)
	ReasonAuthFailed = uint16(15)
	ReasonLost       = uint16(34)
)

// process acts on a complete packet from the host.
func (p *Peer) process(pkt []byte) {
	h, err := packets.DecodeHeader(pkt)
	if err != nil {
		if p.log != nil {
			p.log.Warn().Str("uuid", p.uuid.String()).Int("length", len(pkt)).Msg("sim peer got runt packet")
		}
		return
	}
	payload := pkt[packets.HeaderSize:]

	if h.API == packets.APIBypassOut {
		p.bulk(pkt)
		return
	}

	atomic.AddUint64(&p.metricCommands, 1)
	if p.log != nil {
		p.log.Debug().Str("uuid", p.uuid.String()).Uint32("id", h.RequestID).Str("api", h.API.String()).Msg("sim peer command")
	}

	switch h.API {
	case packets.APIGetVersion:
		p.reply(h, packets.EncodeVersionResponse(&packets.VersionResponse{
			Status:  packets.StatusOK,
			Version: p.config.Version,
		}))

	case packets.APIGetMAC:
		p.reply(h, packets.EncodeMACResponse(&packets.MACResponse{
			Status: packets.StatusOK,
			MAC:    p.config.MAC,
		}))

	case packets.APIFactoryReset:
		p.lock.Lock()
		wasConnected := p.connected != ""
		p.connected = ""
		p.bypass = false
		p.lock.Unlock()
		p.reply(h, packets.EncodeStatus(packets.StatusOK))
		if wasConnected {
			p.SendStatus(packets.LinkStationDown, ReasonLeaving)
		}

	case packets.APISetBypass:
		enabled, err := packets.DecodeSetBypass(payload)
		if err != nil {
			p.reply(h, packets.EncodeStatus(StatusBadRequest))
			return
		}
		p.lock.Lock()
		p.bypass = enabled
		p.lock.Unlock()
		p.reply(h, packets.EncodeStatus(packets.StatusOK))

	case packets.APIWifiConnect:
		cp, err := packets.DecodeConnect(payload)
		if err != nil {
			p.reply(h, packets.EncodeStatus(StatusBadRequest))
			return
		}
		if p.config.Networks != nil {
			pass, ok := p.config.Networks[cp.SSID]
			if !ok || pass != cp.Passphrase {
				p.reply(h, packets.EncodeStatus(StatusAuthFailed))
				p.SendStatus(packets.LinkStationDown, ReasonAuthFailed)
				return
			}
		}
		p.lock.Lock()
		p.connected = cp.SSID
		p.lock.Unlock()
		p.reply(h, packets.EncodeStatus(packets.StatusOK))
		p.SendStatus(packets.LinkStationUp, ReasonNone)

	case packets.APIWifiDisconnect:
		p.lock.Lock()
		p.connected = ""
		p.lock.Unlock()
		p.reply(h, packets.EncodeStatus(packets.StatusOK))
		p.SendStatus(packets.LinkStationDown, ReasonLeaving)

	default:
		p.reply(h, packets.EncodeStatus(StatusUnsupported))
	}
}

func (p *Peer) reply(h packets.Header, payload []byte) {
	p.queue(packets.Encode(h, payload), true)
}

func (p *Peer) bulk(pkt []byte) {
	atomic.AddUint64(&p.metricBulkOut, 1)
	env, err := packets.DecodeEnvelope(pkt)
	if err != nil {
		if p.log != nil {
			p.log.Warn().Str("uuid", p.uuid.String()).Int("length", len(pkt)).Msg("sim peer got bad bulk envelope")
		}
		return
	}
	data := pkt[packets.EnvelopeSize : packets.EnvelopeSize+int(env.DataLen)]

	p.lock.Lock()
	bypass := p.bypass
	if bypass {
		p.bulkOut = append(p.bulkOut, append([]byte{}, data...))
	}
	p.lock.Unlock()

	if !p.config.NoAcks {
		status := packets.StatusOK
		if !bypass {
			status = StatusNoBypass
		}
		p.queue(packets.EncodeBulkAck(&packets.BulkAck{RequestID: env.RequestID, Status: status}), false)
	}
	if bypass && p.config.Echo {
		p.SendBulk(env.Interface, data)
	}
}

// SendStatus pushes an asynchronous link status event to the host.
func (p *Peer) SendStatus(link uint32, reason uint16) {
	atomic.AddUint64(&p.metricEvents, 1)
	p.queue(packets.Encode(packets.Header{API: packets.APIEventStatus},
		packets.EncodeStatusEvent(&packets.StatusEvent{Link: link, Reason: reason})), false)
}

// SendBulk pushes an inbound frame to the host as if it came off the air.
func (p *Peer) SendBulk(iface int32, data []byte) {
	atomic.AddUint64(&p.metricBulkIn, 1)
	p.queue(packets.EncodeEnvelope(&packets.Envelope{
		API:       packets.APIBypassIn,
		Interface: iface,
		DataLen:   uint16(len(data)),
	}, data), false)
}

// SendRaw queues an arbitrary packet for the host.
func (p *Peer) SendRaw(pkt []byte) {
	p.queue(append([]byte{}, pkt...), false)
}

// Drop simulates the access point going away.
func (p *Peer) Drop() {
	p.lock.Lock()
	wasConnected := p.connected != ""
	p.connected = ""
	p.lock.Unlock()
	if wasConnected {
		p.SendStatus(packets.LinkStationDown, ReasonLost)
	}
}
