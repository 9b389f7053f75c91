// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gmofishsauce/avrisp/pkg/bridge"
)

var serveConfig bridge.Config

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the STK500 protocol on a serial device",
	Long: `Serve opens the serial device and answers STK500v1 commands
on it, programming a simulated AVR target. Point avrdude (programmer
type "stk500v1") at the other end of the link to exercise it. Type
"status" for the indicator state, "quit" or ^D to stop.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return bridge.Main(serveConfig)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfig.Device, "device", "d", "/dev/ttyUSB0", "serial device to serve on")
	serveCmd.Flags().IntVarP(&serveConfig.Baud, "baud", "b", 115200, "baud rate")
	serveCmd.Flags().BoolVar(&serveConfig.Debug, "debug", false, "log every command byte")
	rootCmd.AddCommand(serveCmd)
}
