package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/dataplane"
	"github.com/loopholelabs/wispi/pkg/wifi/frame"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc"
	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	TransportSerial = "serial"
	TransportSim    = "sim"
)

type WispiSchema struct {
	Transport  *TransportSchema   `hcl:"transport,block"`
	Wifi       *WifiSchema        `hcl:"wifi,block"`
	IPC        *IPCSchema         `hcl:"ipc,block"`
	Dataplane  *DataplaneSchema   `hcl:"dataplane,block"`
	Interface  []*InterfaceSchema `hcl:"interface,block"`
	Supervisor *SupervisorSchema  `hcl:"supervisor,block"`
}

type TransportSchema struct {
	Kind         string `hcl:"kind,label"`
	Device       string `hcl:"device,optional"`
	Baud         int    `hcl:"baud,optional"`
	ReplyTimeout string `hcl:"reply_timeout,optional"`
	Echo         bool   `hcl:"echo,optional"`
	Version      string `hcl:"version,optional"`
	MAC          string `hcl:"mac,optional"`
}

type WifiSchema struct {
	SSID       string `hcl:"ssid,attr"`
	Passphrase string `hcl:"passphrase,optional"`
	Security   string `hcl:"security,optional"`
	Channel    int    `hcl:"channel,optional"`
}

type IPCSchema struct {
	PoolSize       int    `hcl:"pool_size,optional"`
	PipeDepth      int    `hcl:"pipe_depth,optional"`
	RequestTimeout string `hcl:"request_timeout,optional"`
}

type DataplaneSchema struct {
	ControlQueue    int    `hcl:"control_queue,optional"`
	BulkQueue       int    `hcl:"bulk_queue,optional"`
	IdleTimeout     string `hcl:"idle_timeout,optional"`
	FlowTimeout     string `hcl:"flow_timeout,optional"`
	TransferTimeout string `hcl:"transfer_timeout,optional"`
	MaxFrame        string `hcl:"max_frame,optional"`
}

type InterfaceSchema struct {
	Name        string `hcl:"name,label"`
	Index       int    `hcl:"index,optional"`
	Tap         bool   `hcl:"tap,optional"`
	Address     string `hcl:"address,optional"`
	SendTimeout string `hcl:"send_timeout,optional"`
}

type SupervisorSchema struct {
	ConnectTimeout string `hcl:"connect_timeout,optional"`
	PollInterval   string `hcl:"poll_interval,optional"`
	RetryMax       string `hcl:"retry_max,optional"`
}

func parseByteValue(val string) (int64, error) {
	multiplier := int64(1)
	s := strings.Trim(strings.ToLower(val), " \t\r\n")
	if s == "" {
		return 0, nil
	}

	suffix := s[len(s)-1:]
	switch suffix {
	case "b":
		s = s[:len(s)-1]
	case "k":
		multiplier = 1024
		s = s[:len(s)-1]
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", ErrInvalidConfig, val)
	}
	return i * multiplier, nil
}

// parseDuration returns def for an empty value.
func parseDuration(val string, def time.Duration) (time.Duration, error) {
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: duration %q", ErrInvalidConfig, val)
	}
	return d, nil
}

func ReadSchema(path string) (*WispiSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	s := new(WispiSchema)
	return s, s.Decode(data)
}

func (s *WispiSchema) Decode(data []byte) error {
	file, diag := hclsyntax.ParseConfig(data, "", hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	diag = gohcl.DecodeBody(file.Body, nil, s)
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	return s.Validate()
}

func (s *WispiSchema) Encode() ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(s, f.Body())
	return f.Bytes(), nil
}

func (s *WispiSchema) Validate() error {
	if s.Transport == nil {
		return fmt.Errorf("%w: no transport block", ErrInvalidConfig)
	}
	switch s.Transport.Kind {
	case TransportSerial:
		if s.Transport.Device == "" {
			return fmt.Errorf("%w: serial transport needs a device", ErrInvalidConfig)
		}
	case TransportSim:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, s.Transport.Kind)
	}
	if len(s.Interface) > 1 {
		return fmt.Errorf("%w: only one interface is supported", ErrInvalidConfig)
	}
	if s.Wifi != nil {
		if _, err := s.Wifi.ConnectParams(); err != nil {
			return err
		}
	}
	if _, err := s.Dataplane.Config(); err != nil {
		return err
	}
	if _, err := s.IPC.Config(); err != nil {
		return err
	}
	if _, err := s.GetInterface().Config(); err != nil {
		return err
	}
	if _, err := s.Supervisor.Config(); err != nil {
		return err
	}
	return nil
}

// GetInterface returns the configured interface, or a default one.
func (s *WispiSchema) GetInterface() *InterfaceSchema {
	if len(s.Interface) == 0 {
		return &InterfaceSchema{Name: "wl0"}
	}
	return s.Interface[0]
}

func (ws *WifiSchema) ConnectParams() (*packets.ConnectParams, error) {
	if ws == nil {
		return nil, nil
	}
	sec := packets.SecurityWPA2
	if ws.Security != "" {
		var err error
		sec, err = packets.ParseSecurity(ws.Security)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
	} else if ws.Passphrase == "" {
		sec = packets.SecurityOpen
	}
	cp := &packets.ConnectParams{
		SSID:       ws.SSID,
		Passphrase: ws.Passphrase,
		Security:   sec,
		Channel:    uint8(ws.Channel),
	}
	// Same checks the wire encoding applies
	_, err := packets.EncodeConnect(cp)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return cp, nil
}

func (is *IPCSchema) Config() (*ipc.Config, error) {
	c := ipc.NewDefaultConfig()
	if is == nil {
		return c, nil
	}
	if is.PoolSize > 0 {
		c.PoolSize = is.PoolSize
	}
	var err error
	c.RequestTimeout, err = parseDuration(is.RequestTimeout, c.RequestTimeout)
	return c, err
}

// GetPipeDepth is the capacity of the response pipe between the dataplane
// and the router.
func (is *IPCSchema) GetPipeDepth() int {
	if is == nil || is.PipeDepth <= 0 {
		return 8
	}
	return is.PipeDepth
}

func (ds *DataplaneSchema) Config() (*dataplane.Config, error) {
	c := dataplane.NewDefaultConfig()
	if ds == nil {
		return c, nil
	}
	if ds.ControlQueue > 0 {
		c.ControlQueue = ds.ControlQueue
	}
	if ds.BulkQueue > 0 {
		c.BulkQueue = ds.BulkQueue
	}
	var err error
	if c.IdleTimeout, err = parseDuration(ds.IdleTimeout, c.IdleTimeout); err != nil {
		return nil, err
	}
	if c.Frame.FlowTimeout, err = parseDuration(ds.FlowTimeout, c.Frame.FlowTimeout); err != nil {
		return nil, err
	}
	if c.Frame.TransferTimeout, err = parseDuration(ds.TransferTimeout, c.Frame.TransferTimeout); err != nil {
		return nil, err
	}
	mf, err := parseByteValue(ds.MaxFrame)
	if err != nil {
		return nil, err
	}
	if mf != 0 {
		if mf <= packets.EnvelopeSize || mf > frame.MaxFrame {
			return nil, fmt.Errorf("%w: max_frame %d out of range", ErrInvalidConfig, mf)
		}
		c.Frame.MaxFrame = int(mf)
	}
	return c, nil
}

func (is *InterfaceSchema) Config() (*netif.Config, error) {
	c := netif.NewDefaultConfig()
	c.Name = is.Name
	c.Index = int32(is.Index)
	var err error
	c.SendTimeout, err = parseDuration(is.SendTimeout, c.SendTimeout)
	if err != nil {
		return nil, err
	}
	if _, err = is.GetAddress(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetAddress is the lease handed out when the stack runs DHCP.
func (is *InterfaceSchema) GetAddress() (*net.IPNet, error) {
	if is.Address == "" {
		return nil, nil
	}
	ip, n, err := net.ParseCIDR(is.Address)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	n.IP = ip
	return n, nil
}

func (ss *SupervisorSchema) Config() (*connmgr.Config, error) {
	c := connmgr.NewDefaultConfig()
	if ss == nil {
		return c, nil
	}
	var err error
	if c.ConnectTimeout, err = parseDuration(ss.ConnectTimeout, c.ConnectTimeout); err != nil {
		return nil, err
	}
	if c.PollInterval, err = parseDuration(ss.PollInterval, c.PollInterval); err != nil {
		return nil, err
	}
	if c.RetryMax, err = parseDuration(ss.RetryMax, c.RetryMax); err != nil {
		return nil, err
	}
	return c, nil
}

// GetReplyTimeout is how long a serial bridge has to answer a request.
func (ts *TransportSchema) GetReplyTimeout() (time.Duration, error) {
	return parseDuration(ts.ReplyTimeout, 250*time.Millisecond)
}

func (ts *TransportSchema) GetBaud() int {
	if ts.Baud == 0 {
		return 921600
	}
	return ts.Baud
}

func (ts *TransportSchema) GetMAC() (net.HardwareAddr, error) {
	if ts.MAC == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(ts.MAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return mac, nil
}
