package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"duck-semantic/internal/api"
	"duck-semantic/internal/domain"
)

func newCompileCmd(a *app) *cobra.Command {
	var (
		queryJSON string
		runIt     bool
	)

	cmd := &cobra.Command{
		Use:   "compile [QUERY_FILE|-]",
		Short: "Compile a semantic query into SQL",
		Long: "Reads a query in JSON form from --query, a file or stdin and prints the SQL with its parameters.\n" +
			"With --run the SQL is executed on DuckDB and the rows are printed instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := readQuery(cmd.InOrStdin(), queryJSON, args)
			if err != nil {
				return err
			}
			compiled, err := a.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			sem, err := a.semantic()
			if err != nil {
				return err
			}

			if runIt {
				duck, exec, err := a.openExecutor()
				if err != nil {
					return err
				}
				defer duck.Close() //nolint:errcheck
				res, err := sem.Load(cmd.Context(), exec, compiled, q)
				if err != nil {
					return err
				}
				return printResult(a, res.Data)
			}

			cq, err := sem.Compile(cmd.Context(), compiled, q)
			if err != nil {
				return err
			}
			resp := api.SQLResponse{
				ID:              cq.ID,
				SQL:             cq.SQL,
				Params:          cq.Params,
				Columns:         cq.Columns,
				PreAggregation:  cq.PreAggregation(),
				CacheKeyQueries: cq.CacheKeyQueries(),
			}
			if ok, err := printStructured(a.stdout, a.output, resp); ok {
				return err
			}

			fmt.Fprintln(a.stdout, cq.SQL)
			for i, p := range cq.Params {
				fmt.Fprintf(a.stdout, "-- $%d = %s\n", i+1, cast.ToString(p))
			}
			if pa := cq.PreAggregation(); pa != nil {
				fmt.Fprintf(a.stdout, "-- pre-aggregation: %s (%s)\n", pa.PreAggregationID, pa.TableName)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queryJSON, "query", "q", "", "Query as inline JSON")
	cmd.Flags().BoolVar(&runIt, "run", false, "Execute the SQL on DuckDB and print the rows")
	return cmd
}

func readQuery(stdin io.Reader, inline string, args []string) (*domain.Query, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case len(args) == 1 && args[0] != "-":
		b, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("read query: %w", err)
		}
		raw = b
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read query: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domain.ErrUser("query is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var q domain.Query
	if err := dec.Decode(&q); err != nil {
		return nil, domain.ErrUser("invalid query: %v", err)
	}
	return &q, nil
}

func printResult(a *app, res *domain.QueryResult) error {
	if ok, err := printStructured(a.stdout, a.output, map[string]interface{}{
		"columns": res.Columns,
		"rows":    res.Rows,
	}); ok {
		return err
	}
	rows := make([][]string, len(res.Rows))
	for i, r := range res.Rows {
		row := make([]string, len(r))
		for j, v := range r {
			row[j] = formatCell(v)
		}
		rows[i] = row
	}
	return printTable(a.stdout, res.Columns, rows)
}

func formatCell(v interface{}) string {
	if v == nil {
		return "NULL"
	}
	return strings.TrimSpace(cast.ToString(v))
}
