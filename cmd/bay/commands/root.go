// Package commands wires the bay CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Root builds the bay command tree.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bay",
		Short:        "Control plane for containerized code-execution sandboxes",
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCommand())
	return cmd
}
