package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-assistant/internal/config"
	"github.com/jonathan/research-assistant/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		Long:  `Start an HTTP server that exposes REST endpoints and event streams for research sessions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(server.Config{
				Port:     cfg.Server.Port,
				Engine:   a.engine,
				Events:   a.hub,
				Logger:   a.logger.Named("http"),
				Gatherer: a.registry,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	return cmd
}
