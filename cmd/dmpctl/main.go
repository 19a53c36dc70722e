// Command dmpctl drives a remote vehicle over a Bluetooth RFCOMM serial link.
//
//	dmpctl init dmp.toml --port /dev/rfcomm0
//	dmpctl run --config dmp.toml
//	dmpctl run --port /dev/rfcomm0 --input keypad
//	dmpctl run --config dmp.toml --input gamepad --listen 127.0.0.1:8080
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CK6170/dmplink-go/ui"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dmpctl",
		Short: "Host-side controller for the DMP vehicle",
		Long: `dmpctl connects to the vehicle's RFCOMM serial device, probes it and
forwards motion commands from the console, the keyboard or a browser
gamepad bridge. Every command waits for the vehicle's received and done
acknowledgments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(ui.NewRedWriter(os.Stderr), "Error: %s\n", err)
		os.Exit(1)
	}
}
