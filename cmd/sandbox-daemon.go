package cmd

import (
	"os"

	"github.com/curaious/runbox/internal/config"
	"github.com/curaious/runbox/internal/telemetry"
	"github.com/curaious/runbox/pkg/sandbox/daemon"
	"github.com/spf13/cobra"
)

var sandboxDaemonCmd = &cobra.Command{
	Use:   "sandbox-daemon",
	Short: "Start the in-container sandbox daemon",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		os.Setenv("OTEL_SERVICE_NAME", "sandbox-daemon")

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		daemon.Run()
	},
}

func init() {
	rootCmd.AddCommand(sandboxDaemonCmd)
}
