package main

import "github.com/spf13/cobra"

var (
	rootCmd = &cobra.Command{
		Use:           "wispi",
		Short:         "wispi Wi-Fi co-processor bridge.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func init() {
	// rootCmd.PersistentFlags().StringVarP(&Input, "input", "i", "", "Input file name")
}

func Execute() error {
	return rootCmd.Execute()
}
