package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "signaling",
	Short: "Real-time session coordination for telehealth consultations",
	Long: `signaling relays consultation chat, typing indicators and WebRTC
negotiation between a doctor and a patient over a websocket.

Running it without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config/config.$CONFIG_ENV.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	// Console output until the config says otherwise.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("signaling exited")
		os.Exit(1)
	}
}
