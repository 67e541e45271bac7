// Command daqd is the data-acquisition daemon binary: `daqd daemon` serves
// the RPC/streaming/metrics surface described by the rpcapi and telemetry
// packages against a registry of simulated drivers, and `daqd run` executes
// one built-in plan against an in-process registry with no network surface
// at all, for local smoke-testing a plan's logic.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	os.Exit(int(run()))
}

func run() exitCode {
	var configPath string
	var port int
	var code exitCode

	root := &cobra.Command{
		Use:   "daqd",
		Short: "headless scientific-instrument data-acquisition daemon",
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the daemon: RPC, streaming, and metrics surfaces against the configured device roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			code = runDaemon(configPath, port)
			return nil
		},
	}
	daemonCmd.Flags().StringVar(&configPath, "config", "", "path to the daemon's YAML config file ($DAQ_CONFIG if unset)")
	daemonCmd.Flags().IntVar(&port, "port", 0, "override the configured RPC port ($DAQ_PORT if unset and this is 0)")

	runCmd := &cobra.Command{
		Use:   "run <script_path>",
		Short: "execute a local plan script against an in-process registry, with no network surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runScript(args[0]); err != nil {
				log.Error().Err(err).Msg("script run failed")
				code = exitConfigError
				return nil
			}
			code = exitOK
			return nil
		},
	}

	root.AddCommand(daemonCmd, runCmd)
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		return exitConfigError
	}
	return code
}
