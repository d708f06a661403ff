package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var interval time.Duration

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Resume interrupted runs and sweep unprocessed signals continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfgPath)
			if err != nil {
				return err
			}

			if err := a.engine.ResumeIncomplete(ctx); err != nil {
				log.Printf("[WORKER] resuming incomplete runs: %v", err)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := a.engine.Sweep(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Printf("[WORKER] sweep: %v", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	worker.Flags().DurationVar(&interval, "interval", 5*time.Minute, "sweep interval")
	worker.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return worker
}
