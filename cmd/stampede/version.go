package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stampede version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stampede %s\n", version)
	},
}
