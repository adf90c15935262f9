package packets

import (
	"encoding/binary"
)

func EncodeSetBypass(enabled bool) []byte {
	buff := make([]byte, 4)
	if enabled {
		buff[0] = 1
	}
	return buff
}

func DecodeSetBypass(buff []byte) (bool, error) {
	if len(buff) < 4 {
		return false, ErrInvalidPacket
	}
	return binary.LittleEndian.Uint32(buff) != 0, nil
}

// EnvelopeSize is the fixed prefix on every bulk frame in either direction.
const EnvelopeSize = 4 + 2 + 4 + 16 + 2

type Envelope struct {
	RequestID uint32
	API       API
	Interface int32
	DataLen   uint16
}

func EncodeEnvelopeInto(e *Envelope, buff []byte) {
	binary.LittleEndian.PutUint32(buff, e.RequestID)
	binary.LittleEndian.PutUint16(buff[4:], uint16(e.API))
	binary.LittleEndian.PutUint32(buff[6:], uint32(e.Interface))
	clear(buff[10:26])
	binary.LittleEndian.PutUint16(buff[26:], e.DataLen)
}

func EncodeEnvelope(e *Envelope, data []byte) []byte {
	buff := make([]byte, EnvelopeSize+len(data))
	EncodeEnvelopeInto(e, buff)
	copy(buff[EnvelopeSize:], data)
	return buff
}

func DecodeEnvelope(buff []byte) (*Envelope, error) {
	if len(buff) < EnvelopeSize {
		return nil, ErrInvalidPacket
	}
	e := &Envelope{
		RequestID: binary.LittleEndian.Uint32(buff),
		API:       API(binary.LittleEndian.Uint16(buff[4:])),
		Interface: int32(binary.LittleEndian.Uint32(buff[6:])),
		DataLen:   binary.LittleEndian.Uint16(buff[26:]),
	}
	if int(e.DataLen) > len(buff)-EnvelopeSize {
		return nil, ErrInvalidPacket
	}
	return e, nil
}

// BulkAck is the peer's answer to an APIBypassOut frame.
type BulkAck struct {
	RequestID uint32
	Status    int32
}

func EncodeBulkAck(ba *BulkAck) []byte {
	return Encode(Header{RequestID: ba.RequestID, API: APIBypassOut}, EncodeStatus(ba.Status))
}

func DecodeBulkAck(buff []byte) (*BulkAck, error) {
	h, err := DecodeHeader(buff)
	if err != nil {
		return nil, err
	}
	if h.API != APIBypassOut {
		return nil, ErrInvalidPacket
	}
	status, err := DecodeStatus(buff[HeaderSize:])
	if err != nil {
		return nil, err
	}
	return &BulkAck{RequestID: h.RequestID, Status: status}, nil
}
