package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	transport "quiz-attempt-client/internal/transport/http"
)

// NewServeCmd builds the subcommand exposing the session over a websocket.
func NewServeCmd(configPath, port *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the attempt session to a browser or TUI over a websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
	cmd.Flags().StringVar(port, "port", os.Getenv("PORT"), "port to listen on")
	return cmd
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	rt, err := setup(ctx, configPath, offline)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.log.With().Str("component", "server").Logger()

	if rt.cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, rt.cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = rt.cfg.Server.Port
	}

	if _, err := rt.session.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("Bootstrap failed, waiting for sign-in")
	}

	wsHandler := transport.NewWSHandler(rt.session, rt.log)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("Starting attempt session server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("Shutting down server")
	case <-ctx.Done():
		log.Info().Msg("Context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
