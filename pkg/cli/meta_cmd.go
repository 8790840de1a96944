package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"duck-semantic/internal/service/semantic"
)

func newMetaCmd(a *app) *cobra.Command {
	var members bool

	cmd := &cobra.Command{
		Use:   "meta",
		Short: "List the public cubes and views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			compiled, err := a.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			meta := semantic.Meta(compiled)
			if ok, err := printStructured(a.stdout, a.output, map[string]interface{}{"cubes": meta}); ok {
				return err
			}

			if members {
				var rows [][]string
				for _, c := range meta {
					rows = appendMembers(rows, c.Name, "measure", c.Measures)
					rows = appendMembers(rows, c.Name, "dimension", c.Dimensions)
					rows = appendMembers(rows, c.Name, "segment", c.Segments)
				}
				return printTable(a.stdout, []string{"CUBE", "MEMBER", "KIND", "TYPE", "TITLE"}, rows)
			}

			rows := make([][]string, 0, len(meta))
			for _, c := range meta {
				rows = append(rows, []string{
					c.Name, c.Type,
					strconv.Itoa(len(c.Measures)),
					strconv.Itoa(len(c.Dimensions)),
					strconv.Itoa(len(c.Segments)),
				})
			}
			return printTable(a.stdout, []string{"NAME", "TYPE", "MEASURES", "DIMENSIONS", "SEGMENTS"}, rows)
		},
	}
	cmd.Flags().BoolVar(&members, "members", false, "List every member instead of one row per cube")
	return cmd
}

func appendMembers(rows [][]string, cube, kind string, ms []semantic.MemberMeta) [][]string {
	for _, m := range ms {
		typ := m.Type
		if len(m.Granularities) > 0 {
			typ += " (" + strings.Join(m.Granularities, ", ") + ")"
		}
		rows = append(rows, []string{cube, m.Name, kind, typ, m.Title})
	}
	return rows
}
