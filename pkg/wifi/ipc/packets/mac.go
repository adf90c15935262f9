package packets

import (
	"net"
)

type MACResponse struct {
	Status int32
	MAC    net.HardwareAddr
}

func EncodeMACResponse(mr *MACResponse) []byte {
	buff := make([]byte, 4+6+2)
	copy(buff, EncodeStatus(mr.Status))
	copy(buff[4:10], mr.MAC)
	return buff
}

func DecodeMACResponse(buff []byte) (*MACResponse, error) {
	if len(buff) < 4+6 {
		return nil, ErrInvalidPacket
	}
	status, _ := DecodeStatus(buff)
	mac := make(net.HardwareAddr, 6)
	copy(mac, buff[4:10])
	return &MACResponse{
		Status: status,
		MAC:    mac,
	}, nil
}
