package serialbridge

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrMessageTooLarge = errors.New("bridge message too large")

// Ops shared with the bridge firmware. Replies echo the op of the request.
const (
	OpSelect   = byte(0x01)
	OpDeselect = byte(0x02)
	OpExchange = byte(0x03)
	OpTransfer = byte(0x04)
	OpLines    = byte(0x05)

	// Unsolicited, bridge to host: data is {line, asserted}
	OpEdge = byte(0x80)
)

const (
	StatusOK    = byte(0)
	StatusError = byte(1)
)

// Transfer request flags
const (
	TransferTx = byte(1 << 0)
	TransferRx = byte(1 << 1)
)

const messageHeaderSize = 4
const maxMessageData = 0xffff

// Message is one frame on the serial link: op, status, u16 length, data.
type Message struct {
	Op     byte
	Status byte
	Data   []byte
}

func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Data) > maxMessageData {
		return ErrMessageTooLarge
	}
	buff := make([]byte, messageHeaderSize+len(m.Data))
	buff[0] = m.Op
	buff[1] = m.Status
	binary.LittleEndian.PutUint16(buff[2:], uint16(len(m.Data)))
	copy(buff[messageHeaderSize:], m.Data)
	_, err := w.Write(buff)
	return err
}

func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [messageHeaderSize]byte
	_, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, err
	}
	m := &Message{
		Op:     hdr[0],
		Status: hdr[1],
		Data:   make([]byte, binary.LittleEndian.Uint16(hdr[2:])),
	}
	_, err = io.ReadFull(r, m.Data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

const transferHeaderSize = 4

// EncodeTransfer builds the data of an OpTransfer request: flags, sequence,
// u16 rx length, tx bytes. The reply data is the sequence then rx bytes.
func EncodeTransfer(seq uint8, tx []byte, rxLen int) []byte {
	buff := make([]byte, transferHeaderSize+len(tx))
	if len(tx) > 0 {
		buff[0] |= TransferTx
	}
	if rxLen > 0 {
		buff[0] |= TransferRx
	}
	buff[1] = seq
	binary.LittleEndian.PutUint16(buff[2:], uint16(rxLen))
	copy(buff[transferHeaderSize:], tx)
	return buff
}

func DecodeTransfer(data []byte) (seq uint8, tx []byte, rxLen int, err error) {
	if len(data) < transferHeaderSize {
		return 0, nil, 0, io.ErrUnexpectedEOF
	}
	seq = data[1]
	rxLen = int(binary.LittleEndian.Uint16(data[2:]))
	if data[0]&TransferTx != 0 {
		tx = data[transferHeaderSize:]
	}
	if data[0]&TransferRx == 0 {
		rxLen = 0
	}
	return seq, tx, rxLen, nil
}
