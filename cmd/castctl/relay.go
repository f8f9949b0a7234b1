package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/risa-org/castchannel/config"
	"github.com/risa-org/castchannel/logger"
	"github.com/risa-org/castchannel/transport/websocket"
)

func relayCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Tunnel cast channels over websockets",
		Long: `Serve /relay: each websocket is spliced onto a TCP connection to the
receiver named by its addr query parameter. Point a sender's
channel.relay_url at this server to reach receivers behind it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveRelay(ctx, cfg.Relay)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides relay.listen)")

	return cmd
}

func newRelayRouter(cfg config.RelayConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/relay", &websocket.Handler{
		Allow:  allowList(cfg.Allow),
		Logger: logger.Logger(),
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func serveRelay(ctx context.Context, cfg config.RelayConfig) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRelayRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// allowList returns nil, allowing everything, for an empty list.
func allowList(targets []string) func(string) bool {
	if len(targets) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		allowed[t] = struct{}{}
	}
	return func(addr string) bool {
		_, ok := allowed[addr]
		return ok
	}
}
