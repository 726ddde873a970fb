package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trebuchet-org/evolve/internal/app"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve approval callbacks, tool calls and metrics over HTTP",
		Long: `Run the HTTP surface chat platforms call into. On start, pending
direct-change requests are recovered from the store and their expiry timers
re-armed; a sweeper expires anything that was missed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = app.Config.Project.Server.Addr
			}
			return serve(cmd.Context(), app, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	return cmd
}

func serve(ctx context.Context, a *app.App, addr string) error {
	log := a.Log.With("component", "serve")

	if _, err := a.Gate.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.Config.Project.Pipeline.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := a.Gate.Sweep(gctx)
				if err != nil {
					log.Warn("sweep failed", "error", err)
					continue
				}
				if n > 0 {
					log.Info("expired approval requests", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}

		// Deployments started from chat finish before the process exits
		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(gctx), a.Config.Project.Pipeline.RolloutTimeout.Duration+time.Minute)
		defer cancelDrain()
		if err := a.Runner.Wait(drainCtx); err != nil {
			log.Warn("deployments still running at shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
