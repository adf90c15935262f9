package packets

import (
	"encoding/binary"
)

const StatusOK = int32(0)

// Responses that carry nothing but a result code.

func EncodeStatus(status int32) []byte {
	buff := make([]byte, 4)
	binary.LittleEndian.PutUint32(buff, uint32(status))
	return buff
}

func DecodeStatus(buff []byte) (int32, error) {
	if len(buff) < 4 {
		return 0, ErrInvalidPacket
	}
	return int32(binary.LittleEndian.Uint32(buff)), nil
}

// Link status codes carried by APIEventStatus.
const (
	LinkNone        = uint32(0)
	LinkStationDown = uint32(1)
	LinkStationUp   = uint32(2)
	LinkStationIP   = uint32(3)
	LinkAPDown      = uint32(4)
	LinkAPUp        = uint32(5)
)

type StatusEvent struct {
	Link   uint32
	Reason uint16
}

func EncodeStatusEvent(se *StatusEvent) []byte {
	buff := make([]byte, 4+2+2)
	binary.LittleEndian.PutUint32(buff, se.Link)
	binary.LittleEndian.PutUint16(buff[4:], se.Reason)
	return buff
}

func DecodeStatusEvent(buff []byte) (*StatusEvent, error) {
	if len(buff) < 6 {
		return nil, ErrInvalidPacket
	}
	return &StatusEvent{
		Link:   binary.LittleEndian.Uint32(buff),
		Reason: binary.LittleEndian.Uint16(buff[4:]),
	}, nil
}
