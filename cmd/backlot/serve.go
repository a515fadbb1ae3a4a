package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/showrunnerhq/backlot/internal/janitor"
	"github.com/showrunnerhq/backlot/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server and workflow orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfgPath, "backlot-orchestrator")
			if err != nil {
				return err
			}
			defer d.store.DB.Close()
			defer d.redis.Close()

			unsubscribe, err := d.orch.Start(ctx)
			if err != nil {
				return err
			}
			defer unsubscribe()

			if d.cfg.Retention.Enabled {
				jan, err := janitor.New(log.New(log.Writer(), "[JANITOR] ", log.LstdFlags), d.store, d.cfg.Retention)
				if err != nil {
					return err
				}
				go func() {
					if err := jan.Run(ctx); err != nil && ctx.Err() == nil {
						log.Printf("[JANITOR] stopped: %v", err)
					}
				}()
			}

			srv := server.New(log.New(log.Writer(), "[HTTP] ", log.LstdFlags), d.svc, d.orch)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(d.cfg.Server.Address) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./backlot.yaml)")

	return serve
}
