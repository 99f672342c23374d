package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/qasync/internal/config"
	"github.com/MarcoPoloResearchLab/qasync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "qasync",
		Short:        "Offline-first Q&A capture cache with remote sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	flags.String("store-path", defaults.GetString("store.path"), "Local cache database path")
	flags.String("remote-url", defaults.GetString("remote.base_url"), "Remote record service base URL")
	flags.String("remote-token", "", "Bearer token for the remote record service (overrides env)")
	flags.StringSlice("categories", defaults.GetStringSlice("sync.categories"), "Record categories to synchronize")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")

	bindFlag(flags, "log.level", "log-level")
	bindFlag(flags, "log.file", "log-file")
	bindFlag(flags, "store.path", "store-path")
	bindFlag(flags, "remote.base_url", "remote-url")
	bindFlag(flags, "remote.token", "remote-token")
	bindFlag(flags, "sync.categories", "categories")
	bindFlag(flags, "auth.signing_secret", "signing-secret")
	bindFlag(flags, "auth.token_ttl_minutes", "token-ttl-minutes")

	rootCmd.AddCommand(
		newServeCommand(defaults),
		newAgentCommand(defaults),
		newTokenCommand(),
		newSaveCommand(),
		newListCommand(),
		newSearchCommand(),
		newShowCommand(),
		newDeleteCommand(),
		newStatusCommand(),
		newSyncCommand(),
	)
	return rootCmd
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("qasync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newLogger() (*zap.Logger, error) {
	logConfig := config.LoadLog(viper.GetViper())
	return logging.NewLogger(logConfig.Level, logConfig.File)
}
