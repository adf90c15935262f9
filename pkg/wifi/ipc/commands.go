package ipc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

// call sends a request whose reply starts with a status code.
func (c *Correlator) call(ctx context.Context, api packets.API, payload []byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.SendRequest(ctx, api, payload, timeout)
	if err != nil {
		return nil, err
	}
	status, err := packets.DecodeStatus(resp)
	if err != nil {
		return nil, errors.Join(ErrBadResponse, err)
	}
	if status != packets.StatusOK {
		atomic.AddUint64(&c.metricStatusErrs, 1)
		return nil, &StatusError{API: api, Status: status}
	}
	return resp, nil
}

func (c *Correlator) Version(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, packets.APIGetVersion, nil, 0)
	if err != nil {
		return "", err
	}
	vr, err := packets.DecodeVersionResponse(resp)
	if err != nil {
		return "", errors.Join(ErrBadResponse, err)
	}
	return vr.Version, nil
}

func (c *Correlator) MAC(ctx context.Context) (net.HardwareAddr, error) {
	resp, err := c.call(ctx, packets.APIGetMAC, nil, 0)
	if err != nil {
		return nil, err
	}
	mr, err := packets.DecodeMACResponse(resp)
	if err != nil {
		return nil, errors.Join(ErrBadResponse, err)
	}
	return mr.MAC, nil
}

func (c *Correlator) FactoryReset(ctx context.Context) error {
	_, err := c.call(ctx, packets.APIFactoryReset, nil, 0)
	return err
}

// Connect associates with a network. Association can take minutes, so it
// takes its own timeout rather than the configured request timeout.
func (c *Correlator) Connect(ctx context.Context, cp *packets.ConnectParams, timeout time.Duration) error {
	payload, err := packets.EncodeConnect(cp)
	if err != nil {
		return errors.Join(ErrInvalidParam, err)
	}
	_, err = c.call(ctx, packets.APIWifiConnect, payload, timeout)
	return err
}

func (c *Correlator) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, packets.APIWifiDisconnect, nil, 0)
	return err
}

// SetBypass turns raw frame tunnelling on the peer on or off.
func (c *Correlator) SetBypass(ctx context.Context, enabled bool) error {
	_, err := c.call(ctx, packets.APISetBypass, packets.EncodeSetBypass(enabled), 0)
	return err
}
