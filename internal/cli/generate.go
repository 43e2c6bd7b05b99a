package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCommand.AddCommand(generateCommand)
}

// generateCommand is a stub: introspecting a live PostgreSQL instance to
// emit a starter config is out of scope for this pooler (spec.md's
// Non-goals), but the subcommand name is kept so `pgdoorman generate`
// fails with an explanatory message instead of "unknown command".
var generateCommand = &cobra.Command{
	Use:   "generate",
	Short: "generate a starter config from a live database (not implemented)",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "generate is not implemented; write pg_doorman.toml by hand or copy an example")
		os.Exit(1)
	},
}
