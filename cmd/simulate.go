package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/loopholelabs/wispi/pkg/wifi/config"
	"github.com/loopholelabs/wispi/pkg/wifi/connmgr"
	"github.com/loopholelabs/wispi/pkg/wifi/device"
	"github.com/loopholelabs/wispi/pkg/wifi/metrics"
	"github.com/loopholelabs/wispi/pkg/wifi/netif"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var (
	cmdSimulate = &cobra.Command{
		Use:   "simulate",
		Short: "Run the full stack against a simulated co-processor",
		Long:  ``,
		RunE:  runSimulate,
	}
)

var simFrames int
var simSize int
var simProgress bool
var simDebug bool
var simPoolSize int
var simTimeout time.Duration

const simSSID = "wispi-sim"
const simPassphrase = "simulated"
const simAddress = "192.168.77.2/24"

func init() {
	rootCmd.AddCommand(cmdSimulate)
	cmdSimulate.Flags().IntVarP(&simFrames, "frames", "n", 1000, "Number of frames to echo")
	cmdSimulate.Flags().IntVarP(&simSize, "size", "s", 1024, "Frame size in bytes")
	cmdSimulate.Flags().BoolVarP(&simProgress, "progress", "p", false, "Show progress")
	cmdSimulate.Flags().BoolVarP(&simDebug, "debug", "d", false, "Debug logging (trace)")
	cmdSimulate.Flags().IntVarP(&simPoolSize, "pool", "P", 1, "Request slot pool size")
	cmdSimulate.Flags().DurationVarP(&simTimeout, "timeout", "t", time.Minute, "Overall timeout")
}

func runSimulate(_ *cobra.Command, _ []string) error {
	log := newLogger("wispi.simulate", simDebug)

	schema := &config.WispiSchema{
		Transport: &config.TransportSchema{Kind: config.TransportSim, Echo: true},
		Wifi:      &config.WifiSchema{SSID: simSSID, Passphrase: simPassphrase},
		IPC:       &config.IPCSchema{PoolSize: simPoolSize},
		Dataplane: &config.DataplaneSchema{IdleTimeout: "10ms"},
		Interface: []*config.InterfaceSchema{{Name: "wl0", Address: simAddress}},
	}
	err := schema.Validate()
	if err != nil {
		return err
	}
	if simSize < netif.EthernetHeaderSize {
		return fmt.Errorf("frame size must be at least %d", netif.EthernetHeaderSize)
	}

	d, err := device.New("simulate", schema, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancelFn := context.WithTimeout(context.Background(), simTimeout)
	defer cancelFn()
	err = d.Start(ctx)
	if err != nil {
		return err
	}

	v, err := d.Correlator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Peer %s\n", color.CyanString(v))

	err = d.Manager.WaitForStatus(ctx, connmgr.StatusStationUp, 10*time.Second)
	if err != nil {
		return err
	}
	for !d.Interface.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	color.Green("Joined %s as %s", simSSID, d.Interface.Address())

	total := int64(simFrames) * int64(simSize)
	var txBar, rxBar *mpb.Bar
	var progress *mpb.Progress
	if simProgress {
		progress = mpb.New(
			mpb.WithOutput(color.Output),
			mpb.WithAutoRefresh(),
		)
		newBar := func(name string) *mpb.Bar {
			return progress.AddBar(total,
				mpb.PrependDecorators(
					decor.Name(name, decor.WCSyncSpaceR),
					decor.CountersKiloByte("%d/%d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60, decor.WCSyncWidth),
					decor.Name(" "),
					decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
				),
			)
		}
		txBar = newBar("tx")
		rxBar = newBar("rx")
	}

	ms := d.Stack.(*netif.MemStack)
	var received atomic.Int64
	rxDone := make(chan struct{})
	go func() {
		defer close(rxDone)
		last := time.Now()
		for received.Load() < int64(simFrames) {
			select {
			case f := <-ms.Frames():
				received.Add(1)
				if rxBar != nil {
					rxBar.EwmaIncrInt64(int64(len(f)), time.Since(last))
					last = time.Now()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	latency := metrics.NewReadings(10 * time.Second)
	retries := 0
	f := make([]byte, simSize)
	binary.BigEndian.PutUint16(f[12:], netif.EtherTypeIPv4)
	last := time.Now()
	for i := 0; i < simFrames; i++ {
		if simSize >= netif.EthernetHeaderSize+4 {
			binary.BigEndian.PutUint32(f[netif.EthernetHeaderSize:], uint32(i))
		}
		sendStart := time.Now()
		for {
			err = d.Interface.Output(ctx, [][]byte{f})
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries++
		}
		latency.Add(float64(time.Since(sendStart).Microseconds()))
		if txBar != nil {
			txBar.EwmaIncrInt64(int64(simSize), time.Since(last))
			last = time.Now()
		}
	}

	<-rxDone
	if progress != nil {
		// Complete whatever is short so Wait returns
		txBar.SetTotal(-1, true)
		rxBar.SetTotal(-1, true)
		progress.Wait()
	}
	elapsed := time.Since(start)

	em := d.Engine.GetMetrics()
	fmt.Printf("Echoed %d/%d frames of %d bytes in %s (%.2f MB/s), %d send retries\n",
		received.Load(), simFrames, simSize, elapsed.Round(time.Millisecond),
		float64(received.Load()*int64(simSize))/elapsed.Seconds()/1024/1024, retries)
	fmt.Printf("Average send latency %.1fus over the last 10s\n", latency.GetAverage(10*time.Second))
	fmt.Printf("Transactions %d, bulk acks %d, bulk ack errors %d, dropped %d\n",
		em.Frame.Transactions, em.BulkAcks, em.BulkAckErrors, em.BulkInDropped)
	if received.Load() != int64(simFrames) {
		return fmt.Errorf("only %d of %d frames came back", received.Load(), simFrames)
	}
	return nil
}
