package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quietfund/alphasift/internal/gate"
)

func trainCMD() *cobra.Command {
	var cfgPath string

	train := &cobra.Command{
		Use:   "train",
		Short: "Refit the persistence scorer from accumulated feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			if _, err := a.trainer.Train(ctx); err != nil {
				if errors.Is(err, gate.ErrNotEnoughSamples) {
					fmt.Println(err.Error())
					return nil
				}
				return err
			}
			fmt.Println("reward model trained")
			return nil
		},
	}
	train.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return train
}
