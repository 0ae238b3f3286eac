package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			// A missing default browser is fatal before any sandbox exists
			checkCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			err = a.check(checkCtx)
			cancel()
			if err != nil {
				_ = a.shutdown()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The debug relay keeps connections open, so there is no write timeout
			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           a.handler(),
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.WithField("addr", cfg.Addr).WithField("backends", a.backends.Names()).Info("Server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				log.Info("Shutting down server gracefully")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				return errors.Join(srv.Shutdown(shutdownCtx), a.shutdown())
			})

			if err := eg.Wait(); err != nil {
				return err
			}
			log.Info("Server stopped cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
