package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/refresh"
)

func newRefreshCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh [PRE_AGGREGATION_ID]",
		Short: "Build stale rollups once",
		Long: "Probes the invalidate keys of every rollup (or only the named one) and rebuilds the tables\n" +
			"whose keys changed. Needs the DuckDB dialect.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			compiled, err := a.loadSchema(ctx)
			if err != nil {
				return err
			}
			sem, err := a.semantic()
			if err != nil {
				return err
			}
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := a.refreshService(rt, sem, func() *schema.Compiled { return compiled })
			var results []refresh.Result
			if len(args) == 1 {
				results, err = svc.Refresh(ctx, args[0], force)
			} else {
				if force {
					return fmt.Errorf("--force needs a pre-aggregation id")
				}
				results, err = svc.RefreshAll(ctx)
			}
			if err != nil {
				return err
			}

			failed := 0
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				if r.Action == refresh.ActionFailed {
					failed++
				}
				rows = append(rows, []string{r.PreAggregationID, r.TableName, r.Action, r.Error})
			}
			ok, err := printStructured(a.stdout, a.output, map[string]interface{}{"results": results})
			if !ok {
				err = printTable(a.stdout, []string{"PRE-AGGREGATION", "TABLE", "ACTION", "ERROR"}, rows)
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tables failed to build", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when the invalidate keys are unchanged")
	cmd.AddCommand(newRefreshRunsCmd(a))
	return cmd
}

func newRefreshRunsCmd(a *app) *cobra.Command {
	var (
		maxResults int
		pageToken  string
	)

	cmd := &cobra.Command{
		Use:   "runs PRE_AGGREGATION_ID",
		Short: "Show the rebuild history of a rollup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			compiled, err := a.loadSchema(ctx)
			if err != nil {
				return err
			}
			sem, err := a.semantic()
			if err != nil {
				return err
			}
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := a.refreshService(rt, sem, func() *schema.Compiled { return compiled })
			page, err := svc.Runs(ctx, args[0], domain.PageRequest{MaxResults: maxResults, PageToken: pageToken})
			if err != nil {
				return err
			}

			ok, err := printStructured(a.stdout, a.output, map[string]interface{}{
				"runs":          page.Runs,
				"totalSize":     page.TotalSize,
				"nextPageToken": page.NextPageToken,
			})
			if ok || err != nil {
				return err
			}
			rows := make([][]string, 0, len(page.Runs))
			for i := range page.Runs {
				run := &page.Runs[i]
				rows = append(rows, []string{
					run.StartedAt.Format(time.RFC3339), run.TableName, run.Status,
					run.Duration().Round(time.Millisecond).String(), run.Error,
				})
			}
			if err := printTable(a.stdout, []string{"STARTED", "TABLE", "STATUS", "DURATION", "ERROR"}, rows); err != nil {
				return err
			}
			if page.NextPageToken != "" {
				_, err = fmt.Fprintf(a.stdout, "next page: --page-token %s\n", page.NextPageToken)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Runs per page (default 50)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token of the page to show")
	return cmd
}
