package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderSize = 8

// MaxFrame bounds the length of one payload in either direction.
const MaxFrame = 2048

const (
	KindRead  = byte(0x01)
	KindWrite = byte(0x02)
)

var ErrFraming = errors.New("invalid frame header")
var ErrParam = errors.New("invalid frame parameter")

type Header struct {
	Kind             byte
	Length           uint16
	LengthComplement uint16
}

func NewHeader(kind byte, length uint16) Header {
	return Header{
		Kind:             kind,
		Length:           length,
		LengthComplement: ^length,
	}
}

func EncodeHeader(h Header) []byte {
	buff := make([]byte, HeaderSize)
	EncodeHeaderInto(h, buff)
	return buff
}

func EncodeHeaderInto(h Header, buff []byte) {
	buff[0] = h.Kind
	binary.LittleEndian.PutUint16(buff[1:], h.Length)
	binary.LittleEndian.PutUint16(buff[3:], h.LengthComplement)
	buff[5] = 0
	buff[6] = 0
	buff[7] = 0
}

func DecodeHeader(buff []byte) (Header, error) {
	if len(buff) < HeaderSize {
		return Header{}, ErrFraming
	}
	return Header{
		Kind:             buff[0],
		Length:           binary.LittleEndian.Uint16(buff[1:]),
		LengthComplement: binary.LittleEndian.Uint16(buff[3:]),
	}, nil
}

// Validate checks the self-check field, the direction and the length bound.
func (h Header) Validate(kind byte, maxFrame int) error {
	if h.Kind != kind {
		return fmt.Errorf("%w: kind 0x%02x", ErrFraming, h.Kind)
	}
	if h.LengthComplement != ^h.Length {
		return fmt.Errorf("%w: length 0x%04x complement 0x%04x", ErrFraming, h.Length, h.LengthComplement)
	}
	if int(h.Length) >= maxFrame {
		return fmt.Errorf("%w: length %d", ErrFraming, h.Length)
	}
	return nil
}
