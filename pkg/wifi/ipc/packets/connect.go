package packets

import (
	"fmt"
)

const (
	SSIDMaxLength       = 32
	PassphraseMaxLength = 64
	connectLength       = 1 + SSIDMaxLength + 1 + PassphraseMaxLength + 1 + 1
)

type Security uint8

const (
	SecurityOpen     = Security(0)
	SecurityWPA      = Security(1)
	SecurityWPA2     = Security(2)
	SecurityWPA3     = Security(3)
	SecurityWPA2WPA3 = Security(4)
)

func (s Security) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWPA:
		return "wpa"
	case SecurityWPA2:
		return "wpa2"
	case SecurityWPA3:
		return "wpa3"
	case SecurityWPA2WPA3:
		return "wpa2wpa3"
	}
	return "unknown"
}

func ParseSecurity(s string) (Security, error) {
	for _, sec := range []Security{SecurityOpen, SecurityWPA, SecurityWPA2, SecurityWPA3, SecurityWPA2WPA3} {
		if sec.String() == s {
			return sec, nil
		}
	}
	return 0, fmt.Errorf("%w: security %q", ErrInvalidParam, s)
}

type ConnectParams struct {
	SSID       string
	Passphrase string
	Security   Security
	Channel    uint8
}

func EncodeConnect(cp *ConnectParams) ([]byte, error) {
	if len(cp.SSID) == 0 || len(cp.SSID) > SSIDMaxLength {
		return nil, fmt.Errorf("%w: ssid length %d", ErrInvalidParam, len(cp.SSID))
	}
	if len(cp.Passphrase) > PassphraseMaxLength {
		return nil, fmt.Errorf("%w: passphrase length %d", ErrInvalidParam, len(cp.Passphrase))
	}
	if cp.Security != SecurityOpen && len(cp.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: %s needs a passphrase", ErrInvalidParam, cp.Security)
	}
	buff := make([]byte, connectLength)
	buff[0] = byte(len(cp.SSID))
	copy(buff[1:], cp.SSID)
	p := 1 + SSIDMaxLength
	buff[p] = byte(len(cp.Passphrase))
	copy(buff[p+1:], cp.Passphrase)
	p += 1 + PassphraseMaxLength
	buff[p] = byte(cp.Security)
	buff[p+1] = cp.Channel
	return buff, nil
}

func DecodeConnect(buff []byte) (*ConnectParams, error) {
	if len(buff) < connectLength {
		return nil, ErrInvalidPacket
	}
	ssidLen := int(buff[0])
	p := 1 + SSIDMaxLength
	passLen := int(buff[p])
	if ssidLen > SSIDMaxLength || passLen > PassphraseMaxLength {
		return nil, ErrInvalidPacket
	}
	cp := &ConnectParams{
		SSID:       string(buff[1 : 1+ssidLen]),
		Passphrase: string(buff[p+1 : p+1+passLen]),
	}
	p += 1 + PassphraseMaxLength
	cp.Security = Security(buff[p])
	cp.Channel = buff[p+1]
	return cp, nil
}
