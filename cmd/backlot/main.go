package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "backlot"}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
