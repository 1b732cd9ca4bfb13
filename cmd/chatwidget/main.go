package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/logging"
)

var (
	configFile string
	settings   *config.Settings
	v          *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:           "chatwidget",
	Short:         "chatwidget runs a persistent chat session against a remote assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.New(configFile)
		if err != nil {
			return err
		}
		if err := config.BindFlags(v, cmd.Flags(), map[string]string{
			"log-level":       "log.level",
			"log-format":      "log.format",
			"addr":            "server.addr",
			"endpoint":        "exchange.endpoint",
			"store-backend":   "store.backend",
			"store-dir":       "store.dir",
			"idle-timeout":    "session.idle-timeout",
			"redis-events":    "events.redis",
			"disable-speak":   "speech.disable-speak",
			"allowed-origins": "server.allowed-origins",
		}); err != nil {
			return err
		}
		settings, err = config.Load(v)
		if err != nil {
			return err
		}
		// reinitialize the logger now that flags and config are parsed
		return logging.Init(settings.Log)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.chatwidget/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("endpoint", "", "remote exchange endpoint URL")
	rootCmd.PersistentFlags().String("store-backend", "", "history store backend (sqlite, redis, memory)")
	rootCmd.PersistentFlags().String("store-dir", "", "directory for the sqlite history database")
	rootCmd.PersistentFlags().Duration("idle-timeout", 0, "clear the history after this much inactivity")
	rootCmd.PersistentFlags().Bool("disable-speak", false, "disable speech output")

	cobra.CheckErr(logging.Init(logging.Settings{Level: "info"}))

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newHistoryCommand())

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
