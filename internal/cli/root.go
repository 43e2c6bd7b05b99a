package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCommand = &cobra.Command{
	Use:   "pgdoorman",
	Short: "PostgreSQL connection pooler and wire-protocol proxy",
}

// Execute runs the root command; main() just calls this.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
