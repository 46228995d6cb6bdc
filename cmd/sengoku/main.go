package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/config"
	"github.com/masarabi/sengoku-map/internal/logging"
)

// app carries what every subcommand needs once the root command has loaded
// the configuration.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:          "sengoku",
		Short:        "Shared Sengoku-era map editing over a relay or Redis",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(a.v, a.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(c *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "path to a config file (json, yaml or toml); defaults to $SENGOKU_CONFIG")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.Bool("log-dev", false, "human readable colored logs")
	mustBind(a.v, "log.level", flags.Lookup("log-level"))
	mustBind(a.v, "log.development", flags.Lookup("log-dev"))

	rootCmd.AddCommand(newRelayCmd(a), newJoinCmd(a), newValidateCmd(a))
	return rootCmd
}

// mustBind ties a flag to a config key so an explicit flag beats the
// environment and the file.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
