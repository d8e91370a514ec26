package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/liteml-export/internal/checkpoint"
	"github.com/samcharles93/liteml-export/internal/logger"
	"github.com/samcharles93/liteml-export/internal/translate"
)

func exportCmd() *cli.Command {
	var o exportOptions
	flags := sourceFlags(&o)
	flags = append(flags, &cli.StringFlag{
		Name:        "output",
		Aliases:     []string{"out"},
		Usage:       "target .safetensors path",
		Required:    true,
		Destination: &o.outPath,
	})
	flags = append(flags, modeFlags(&o)...)
	flags = append(flags, loggingFlags(&o)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Translate a quantized checkpoint and write the LiteML state dict",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tr, src, log, err := o.prepare(ctx, cmd)
			if err != nil {
				return err
			}
			start := time.Now()
			target, report, err := tr.Translate(ctx, src)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if err := checkpoint.Save(o.outPath, target, tr.Config().Metadata()); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			log.Info("wrote checkpoint",
				"path", o.outPath,
				"entries", target.Len(),
				"dropped", len(report.Dropped),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil
		},
	}
}

// prepare merges the profile into o, builds the run logger and translator and
// loads the source checkpoint.
func (o *exportOptions) prepare(ctx context.Context, cmd *cli.Command) (*translate.Translator, *checkpoint.Source, logger.Logger, error) {
	profile, err := LoadConfig(o.configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	o.apply(cmd.IsSet, profile)

	log, err := o.newLogger()
	if err != nil {
		return nil, nil, nil, err
	}

	cfg, err := o.translateConfig(cmd.IsSet)
	if err != nil {
		return nil, nil, nil, err
	}
	tr, err := translate.New(cfg, translate.WithLogger(log))
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debug("resolved export config", "config", tr.Config().String())

	src, err := checkpoint.Load(ctx, o.inPath, checkpoint.LoadOptions{
		WeightsSection:    o.weightsSection,
		QuantizersSection: o.quantizersSection,
		Workers:           o.loadWorkers,
		Logger:            log,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load %s: %w", o.inPath, err)
	}
	log.Info("loaded checkpoint",
		"path", o.inPath,
		"weights", len(src.Weights),
		"quantizers", len(src.Quantizers),
	)
	return tr, src, log, nil
}

// newLogger writes to stderr and tags every record with a fresh run id.
func (o *exportOptions) newLogger() (logger.Logger, error) {
	level := o.logLevel
	if o.debug {
		level = "debug"
	}
	log, err := logger.Build(os.Stderr, o.logFormat, level)
	if err != nil {
		return nil, err
	}
	return log.With("run", uuid.NewString()), nil
}
