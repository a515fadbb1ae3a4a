package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var wk = &cobra.Command{
		Use:   "worker",
		Short: "Run the extraction/promotion job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfgPath, streams.WorkerGroup)
			if err != nil {
				return err
			}
			defer d.store.DB.Close()
			defer d.redis.Close()

			for _, stream := range []string{streams.StreamExtractionJobs, streams.StreamPromotionJobs} {
				if err := streams.EnsureGroup(ctx, d.redis, stream, streams.WorkerGroup); err != nil {
					return err
				}
			}

			consumer := streams.NewConsumer(d.redis, streams.WorkerGroup, d.busMember)
			proc := worker.NewProcessor(log.New(log.Writer(), "[WORKER] ", log.LstdFlags), consumer, d.extract, d.promote, d.events)
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	wk.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./backlot.yaml)")

	return wk
}
