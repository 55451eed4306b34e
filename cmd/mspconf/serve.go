package main

import (
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/mspconf/internal/logger"
	"github.com/shaunagostinho/mspconf/internal/server"
)

var listenAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API, reconnecting to the board as needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}

		trace := logger.New(cfg.Trace)
		defer trace.Close()

		mgr := server.NewManager(cfg, trace)
		srv := server.New(cfg, mgr, trace)

		// the API answers 503 until the board is up
		go mgr.Run(cmd.Context())
		return srv.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Override listen address (e.g. :8080)")
}
