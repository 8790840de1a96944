package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateOutputFormat(a.output)
		},
		RunE: func(*cobra.Command, []string) error {
			if ok, err := printStructured(a.stdout, a.output, map[string]string{
				"version": version,
				"commit":  commit,
			}); ok {
				return err
			}
			_, err := fmt.Fprintf(a.stdout, "cubec version %s (commit: %s)\n", version, commit)
			return err
		},
	}
}
