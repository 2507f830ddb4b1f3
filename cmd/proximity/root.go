package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"salesfloor/proximity/internal/config"
	"salesfloor/proximity/internal/logging"
)

// runtime is filled in by the root command before any subcommand runs
type runtime struct {
	viper  *viper.Viper
	file   string
	config *config.Config
	logger *log.Logger
}

func rootCommand() *cobra.Command {
	rt := &runtime{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "proximity",
		Short:         "Proximity-triggered visit recording service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, rt); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rt.viper, rt.file)
		if err != nil {
			return err
		}
		rt.config = cfg
		rt.logger = logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		log.SetDefault(rt.logger)
		return nil
	}

	rootCmd.AddCommand(serveCommand(rt), replayCommand(rt))
	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, rt *runtime) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rt.file, "config", "", "Path to a YAML config file")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Int("port", 3000, "HTTP listen port")

	if err := rt.viper.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := rt.viper.BindPFlag("server.port", flags.Lookup("port")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
