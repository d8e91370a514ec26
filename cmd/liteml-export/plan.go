package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/liteml-export/internal/translate"
)

func planCmd() *cli.Command {
	var o exportOptions
	flags := sourceFlags(&o)
	flags = append(flags, modeFlags(&o)...)
	flags = append(flags, loggingFlags(&o)...)

	return &cli.Command{
		Name:  "plan",
		Usage: "Show how each source key would be renamed, without writing anything",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tr, src, _, err := o.prepare(ctx, cmd)
			if err != nil {
				return err
			}
			report, err := tr.Plan(ctx, src)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			printPlan(os.Stdout, report)
			return nil
		},
	}
}

func printPlan(w io.Writer, r *translate.Report) {
	_, _ = fmt.Fprintf(w, "config: %s\n\n", r.Config)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TARGET", "SOURCE", "CATEGORY", "SHAPE", "RESHAPED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, m := range r.Mappings {
		table.Append([]string{
			m.Target,
			m.Source,
			m.Category.String(),
			fmt.Sprint(m.Shape),
			strconv.FormatBool(m.Reshaped),
		})
	}
	table.Render()

	if len(r.Dropped) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "\ndropped %d source keys:\n", len(r.Dropped))
	for _, k := range r.Dropped {
		_, _ = fmt.Fprintf(w, "  %s\n", k)
	}
}
