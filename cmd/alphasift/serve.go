package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/quietfund/alphasift/internal/cache"
	"github.com/quietfund/alphasift/internal/scheduler"
	"github.com/quietfund/alphasift/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, cfgPath)
			if err != nil {
				return err
			}

			if a.cfg.Scheduler.Enabled {
				sched := &scheduler.Scheduler{
					Cron:  a.cfg.Scheduler.Cron,
					Sweep: a.engine.Sweep,
				}
				if rdb, err := cache.Conn(ctx, a.cfg.Storage.Redis); err == nil {
					sched.Rdb = rdb
				}
				if err := sched.Start(); err != nil {
					return err
				}
				defer sched.Stop()
			}

			e := server.New(server.Deps{
				Signals:  a.store,
				Runs:     a.store,
				Insights: a.store,
				Feedback: a.store,
				Engine:   a.engine,
				Gate:     a.gate,
				Trainer:  a.trainer,
			})

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			log.Printf("listening on %s", addr)
			return e.Start(addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return serve
}
