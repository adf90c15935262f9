package packets

import (
	"bytes"
)

const VersionLength = 32

type VersionResponse struct {
	Status  int32
	Version string
}

func EncodeVersionResponse(vr *VersionResponse) []byte {
	buff := make([]byte, 4+VersionLength)
	copy(buff, EncodeStatus(vr.Status))
	copy(buff[4:4+VersionLength-1], vr.Version)
	return buff
}

func DecodeVersionResponse(buff []byte) (*VersionResponse, error) {
	if len(buff) < 4+VersionLength {
		return nil, ErrInvalidPacket
	}
	status, _ := DecodeStatus(buff)
	v := buff[4 : 4+VersionLength]
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return &VersionResponse{
		Status:  status,
		Version: string(v),
	}, nil
}
