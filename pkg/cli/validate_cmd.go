package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the model and report errors",
		Long:  "Loads every model file, resolves references, builds the join graph and compiles every pre-aggregation.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			compiled, err := a.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			sem, err := a.semantic()
			if err != nil {
				return err
			}
			descs, err := sem.DescribePreAggregations(cmd.Context(), compiled)
			if err != nil {
				return err
			}

			summary := map[string]interface{}{
				"valid":           true,
				"cubes":           len(compiled.Table.Cubes()),
				"views":           len(compiled.Table.Views()),
				"preAggregations": len(descs),
			}
			if ok, err := printStructured(a.stdout, a.output, summary); ok {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "Model is valid: %d cubes, %d views, %d pre-aggregations.\n",
				len(compiled.Table.Cubes()), len(compiled.Table.Views()), len(descs))
			return err
		},
	}
}
