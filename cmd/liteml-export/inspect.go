package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/liteml-export/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a safetensors checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"in"},
				Usage:    ".safetensors file or model directory",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "decode float tensors and report min/max",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := safetensors.OpenModel(cmd.String("input"))
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			defer func() { _ = m.Close() }()
			return printInspect(ctx, os.Stdout, m, cmd.Bool("stats"))
		},
	}
}

func printInspect(ctx context.Context, w io.Writer, m *safetensors.Model, stats bool) error {
	for _, shard := range slices.Sorted(maps.Keys(m.Files)) {
		md := m.Files[shard].Metadata
		if len(md) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s metadata:\n", shard)
		for _, k := range slices.Sorted(maps.Keys(md)) {
			_, _ = fmt.Fprintf(w, "  %s = %s\n", k, md[k])
		}
	}

	header := []string{"NAME", "DTYPE", "SHAPE", "BYTES"}
	if stats {
		header = append(header, "MIN", "MAX")
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	var total int64
	for _, name := range m.SortedTensorNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		info := m.Tensors[name].Info
		total += info.Size()
		row := []string{name, info.DType, fmt.Sprint(info.Shape), fmt.Sprint(info.Size())}
		if stats {
			lo, hi, err := tensorRange(m, name, info)
			if err != nil {
				return err
			}
			row = append(row, lo, hi)
		}
		table.Append(row)
	}
	table.Render()
	_, _ = fmt.Fprintf(w, "\n%d tensors, %d bytes\n", len(m.Tensors), total)
	return nil
}

// tensorRange formats the min and max of a float tensor; other dtypes and
// empty tensors get "-".
func tensorRange(m *safetensors.Model, name string, info safetensors.TensorInfo) (string, string, error) {
	if !safetensors.IsFloat(info.DType) || info.Size() == 0 {
		return "-", "-", nil
	}
	raw, _, err := m.ReadTensor(name)
	if err != nil {
		return "", "", err
	}
	vals, err := safetensors.DecodeF32(info.DType, raw)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", name, err)
	}
	lo, hi := minMax(vals)
	return fmt.Sprintf("%g", lo), fmt.Sprintf("%g", hi), nil
}

// minMax ignores NaNs; an all-NaN slice yields NaN for both.
func minMax(vals []float32) (float32, float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	seen := false
	for _, v := range vals {
		if math.IsNaN(float64(v)) {
			continue
		}
		seen = true
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if !seen {
		nan := float32(math.NaN())
		return nan, nan
	}
	return lo, hi
}
