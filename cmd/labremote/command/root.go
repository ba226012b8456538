package command

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"labremote/internal/config"
)

var envFile string // path of the optional .env file

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "labremote",
	Short: "labremote - remote control for lab workstations",
	Long: `labremote keeps a coordinator connected to every workstation in a computer
lab so that experiment software can be started, stopped and messaged from one
place.

Run "labremote serve" on the coordinator and "labremote join" on each
workstation. Settings come from the environment or from a .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

// setup loads and validates configuration and installs the process logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfigFrom(envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}
