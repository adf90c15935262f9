package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/wispi/pkg/wifi/config"
	"github.com/loopholelabs/wispi/pkg/wifi/device"
	"github.com/loopholelabs/wispi/pkg/wifi/metrics"
	wispiprom "github.com/loopholelabs/wispi/pkg/wifi/metrics/prometheus"
	wispistatsd "github.com/loopholelabs/wispi/pkg/wifi/metrics/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	cmdRun = &cobra.Command{
		Use:   "run",
		Short: "Run the bridge from a config file",
		Long:  ``,
		RunE:  runRun,
	}
)

var runConf string
var runName string
var runDebug bool
var runMetrics string
var runStatsd string

func init() {
	rootCmd.AddCommand(cmdRun)
	cmdRun.Flags().StringVarP(&runConf, "conf", "c", "wispi.conf", "Configuration file")
	cmdRun.Flags().StringVarP(&runName, "name", "n", "wispi", "Device name used in logs and metrics")
	cmdRun.Flags().BoolVarP(&runDebug, "debug", "d", false, "Debug logging (trace)")
	cmdRun.Flags().StringVarP(&runMetrics, "metrics", "m", "", "Prom metrics address")
	cmdRun.Flags().StringVarP(&runStatsd, "statsd", "s", "", "Statsd address to push metrics to")
	cmdRun.MarkFlagsMutuallyExclusive("metrics", "statsd")
}

func newLogger(name string, debug bool) types.Logger {
	if !debug {
		return nil
	}
	log := logging.New(logging.Zerolog, name, os.Stderr)
	log.SetLevel(types.TraceLevel)
	return log
}

var errMetricsConflict = errors.New("choose either prometheus or statsd metrics, not both")

func newMetrics(promAddr string, statsdAddr string) (metrics.WifiMetrics, error) {
	if promAddr != "" && statsdAddr != "" {
		return nil, errMetricsConflict
	}
	if statsdAddr != "" {
		return wispistatsd.New(statsdAddr, wispistatsd.DefaultConfig()), nil
	}
	if promAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	wm := wispiprom.New(reg, wispiprom.DefaultConfig())

	// Add the default go metrics
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	http.Handle("/metrics", promhttp.HandlerFor(
		reg,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          reg,
		},
	))

	go http.ListenAndServe(promAddr, nil)
	return wm, nil
}

func runRun(_ *cobra.Command, _ []string) error {
	log := newLogger("wispi.run", runDebug)

	schema, err := config.ReadSchema(runConf)
	if err != nil {
		return err
	}

	wm, err := newMetrics(runMetrics, runStatsd)
	if err != nil {
		return err
	}

	d, err := device.New(runName, schema, log)
	if err != nil {
		if wm != nil {
			wm.Shutdown()
		}
		return err
	}

	if wm != nil {
		d.SetMetrics(wm)
		defer wm.Shutdown()
	}

	ctx, cancelFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFn()

	err = d.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Starting wispi %s on %s transport\n", runName, schema.Transport.Kind)

	go reportStatus(ctx, d)

	err = d.Wait()
	fmt.Printf("\nShutting down cleanly...\n")
	cerr := d.Close()
	if err != nil {
		return err
	}
	return cerr
}

// reportStatus prints connection status changes until ctx is done.
func reportStatus(ctx context.Context, d *device.Device) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status := d.Manager.Status().String()
		addr := ""
		if a := d.Interface.Address(); a != nil {
			addr = a.String()
		}
		now := fmt.Sprintf("%s %s", status, addr)
		if now == last {
			continue
		}
		last = now
		if d.Interface.Connected() {
			color.Green("[%s] %s connected %s", d.Name(), d.Interface.Name(), addr)
		} else {
			color.Yellow("[%s] %s status %s", d.Name(), d.Interface.Name(), status)
		}
	}
}
