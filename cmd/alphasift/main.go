package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "alphasift", Short: "Market signal research pipeline"}
	root.AddCommand(serveCMD(), workerCMD(), runCMD(), trainCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
