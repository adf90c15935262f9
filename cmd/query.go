package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/loopholelabs/wispi/pkg/wifi/config"
	"github.com/loopholelabs/wispi/pkg/wifi/device"
	"github.com/spf13/cobra"
)

var (
	cmdQuery = &cobra.Command{
		Use:       "query [version|mac|reset]",
		Short:     "Send one command to the co-processor",
		Long:      ``,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"version", "mac", "reset"},
		RunE:      runQuery,
	}
)

var queryConf string
var queryDebug bool
var queryTimeout time.Duration

func init() {
	rootCmd.AddCommand(cmdQuery)
	cmdQuery.Flags().StringVarP(&queryConf, "conf", "c", "wispi.conf", "Configuration file")
	cmdQuery.Flags().BoolVarP(&queryDebug, "debug", "d", false, "Debug logging (trace)")
	cmdQuery.Flags().DurationVarP(&queryTimeout, "timeout", "t", 5*time.Second, "Overall timeout")
}

func runQuery(_ *cobra.Command, args []string) error {
	log := newLogger("wispi.query", queryDebug)

	schema, err := config.ReadSchema(queryConf)
	if err != nil {
		return err
	}
	d, err := device.New("query", schema, log)
	if err != nil {
		return err
	}
	defer d.Close()

	// Only the one command goes to the peer
	d.Manager.Down()

	ctx, cancelFn := context.WithTimeout(context.Background(), queryTimeout)
	defer cancelFn()
	err = d.Start(ctx)
	if err != nil {
		return err
	}

	label := color.New(color.FgCyan, color.Bold)
	switch args[0] {
	case "version":
		v, err := d.Correlator.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", label.Sprint("version"), v)
	case "mac":
		mac, err := d.Correlator.MAC(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", label.Sprint("mac"), mac)
	case "reset":
		err := d.Correlator.FactoryReset(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", label.Sprint("reset"), color.GreenString("ok"))
	default:
		return fmt.Errorf("unknown query %q", args[0])
	}
	return nil
}
