package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func init() {
	rootCommand.AddCommand(versionCommand)
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "print the installed pgdoorman version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pgdoorman " + Version)
	},
}
