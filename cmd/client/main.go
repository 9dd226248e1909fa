package main

import (
	"os"

	"github.com/omochice/chat-bridge/internal/config"
	"github.com/omochice/chat-bridge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
	closeLog   func() error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New(), logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:          "chatbridge",
		Short:        "Talk to the chat backend over HTTP or the pub/sub bridge",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg, a.logger, a.closeLog = cfg, logger, closeLog
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.String("base-url", "http://localhost:8080", "backend base URL")
	flags.Bool("use-login", false, "send the id token as a bearer token")
	flags.String("id-token", "", "id token of the signed-in account")
	flags.String("log-level", "info", "log level")
	for key, name := range map[string]string{
		"base_url":  "base-url",
		"use_login": "use-login",
		"id_token":  "id-token",
		"log.level": "log-level",
	} {
		cobra.CheckErr(a.v.BindPFlag(key, flags.Lookup(name)))
	}

	root.AddCommand(
		newAskCmd(a),
		newChatCmd(a),
		newCitationCmd(a),
		newConfigCmd(a),
	)
	return root
}
