package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatlink/internal/devserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port      string
		taskPolls int
		csrf      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock chat backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = cfg.Mock.Port
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			srv := devserver.New(devserver.Options{
				SigningKey:  []byte(cfg.Mock.SigningKey),
				TaskPolls:   taskPolls,
				RequireCSRF: csrf,
				Gatherer:    reg,
				Logger:      slog.Default(),
			})

			httpSrv := &http.Server{
				Addr:        ":" + port,
				Handler:     srv,
				ReadTimeout: 30 * time.Second,
				// WebSocket connections are long-lived.
				WriteTimeout: 0,
				IdleTimeout:  120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				slog.Info("Mock backend listening", "addr", httpSrv.Addr, "task_polls", taskPolls, "csrf", csrf)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}
			stop()

			slog.Info("Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			slog.Info("Server stopped successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default MOCK_PORT)")
	cmd.Flags().IntVar(&taskPolls, "task-polls", 2, "pending polls before a routed task succeeds")
	cmd.Flags().BoolVar(&csrf, "csrf", false, "require the CSRF header on cookie-authenticated writes")
	return cmd
}
