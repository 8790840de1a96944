package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPreAggregationsCmd(a *app) *cobra.Command {
	var showSQL bool

	cmd := &cobra.Command{
		Use:     "pre-aggregations",
		Aliases: []string{"preaggs"},
		Short:   "Describe the rollups of the model",
		Args:    cobra.NoArgs,
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
			if ok, err := printStructured(a.stdout, a.output, map[string]interface{}{"preAggregations": descs}); ok {
				return err
			}

			if showSQL {
				for _, d := range descs {
					fmt.Fprintf(a.stdout, "-- %s\n%s;\n\n", d.PreAggregationID, d.LoadSQL)
				}
				return nil
			}

			rows := make([][]string, 0, len(descs))
			for _, d := range descs {
				keys := make([]string, len(d.InvalidateKeyQueries))
				for i, k := range d.InvalidateKeyQueries {
					keys[i] = k.SQL
				}
				rows = append(rows, []string{
					d.PreAggregationID, d.TableName, d.Granularity, d.PartitionGranularity,
					strings.Join(keys, "\n"),
				})
			}
			return printTable(a.stdout, []string{"ID", "TABLE", "GRANULARITY", "PARTITION", "REFRESH KEY"}, rows)
		},
	}
	cmd.Flags().BoolVar(&showSQL, "sql", false, "Print the load SQL of each rollup")
	return cmd
}
