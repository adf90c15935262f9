package packets

import (
	"encoding/binary"
	"errors"
)

var ErrInvalidPacket = errors.New("invalid packet")
var ErrInvalidParam = errors.New("invalid parameter")

const HeaderSize = 4 + 2

type API uint16

const (
	APIGetVersion     = API(0x0001)
	APIFactoryReset   = API(0x0002)
	APIGetMAC         = API(0x0003)
	APIWifiConnect    = API(0x0010)
	APIWifiDisconnect = API(0x0011)
	APISetBypass      = API(0x0020)
	APIBypassOut      = API(0x0021)

	// Asynchronous, always sent with request id 0
	APIEventStatus = API(0x0100)
	APIBypassIn    = API(0x0101)
)

func (a API) String() string {
	switch a {
	case APIGetVersion:
		return "GetVersion"
	case APIFactoryReset:
		return "FactoryReset"
	case APIGetMAC:
		return "GetMAC"
	case APIWifiConnect:
		return "WifiConnect"
	case APIWifiDisconnect:
		return "WifiDisconnect"
	case APISetBypass:
		return "SetBypass"
	case APIBypassOut:
		return "BypassOut"
	case APIEventStatus:
		return "EventStatus"
	case APIBypassIn:
		return "BypassIn"
	}
	return "unknown"
}

type Header struct {
	RequestID uint32
	API       API
}

func EncodeHeaderInto(h Header, buff []byte) {
	binary.LittleEndian.PutUint32(buff, h.RequestID)
	binary.LittleEndian.PutUint16(buff[4:], uint16(h.API))
}

func DecodeHeader(buff []byte) (Header, error) {
	if len(buff) < HeaderSize {
		return Header{}, ErrInvalidPacket
	}
	return Header{
		RequestID: binary.LittleEndian.Uint32(buff),
		API:       API(binary.LittleEndian.Uint16(buff[4:])),
	}, nil
}

// Encode builds a complete packet from a header and a payload.
func Encode(h Header, payload []byte) []byte {
	buff := make([]byte, HeaderSize+len(payload))
	EncodeHeaderInto(h, buff)
	copy(buff[HeaderSize:], payload)
	return buff
}

// Payload returns the bytes after the packet header.
func Payload(buff []byte) ([]byte, error) {
	if len(buff) < HeaderSize {
		return nil, ErrInvalidPacket
	}
	return buff[HeaderSize:], nil
}
