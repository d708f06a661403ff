package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var signalID string
	var resumeID string

	run := &cobra.Command{
		Use:   "run",
		Short: "Process one signal, resume one run, or sweep the backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, cfgPath)
			if err != nil {
				return err
			}

			switch {
			case signalID != "":
				runID, err := a.engine.ProcessSignal(ctx, signalID)
				if err != nil {
					return err
				}
				fmt.Printf("run %s finished\n", runID)
				return nil
			case resumeID != "":
				return a.engine.Resume(ctx, resumeID)
			default:
				return a.engine.Sweep(ctx)
			}
		},
	}
	run.Flags().StringVar(&signalID, "signal", "", "signal id to research")
	run.Flags().StringVar(&resumeID, "resume", "", "run id to resume")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return run
}
