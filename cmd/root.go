// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "avrisp",
	Short: "STK500v1 programming bridge for AVR targets",
	Long: `Avrisp bridges the STK500v1 protocol spoken by host tools
like avrdude to the 4-byte SPI programming interface of an AVR
target. The protocol core is transport-agnostic; the serve command
runs it over a serial device.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to
// happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
