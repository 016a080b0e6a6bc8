package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		fmt.Printf("%s %s (%s, %s/%s)\n", appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
