package main

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/liteml-export/internal/translate"
)

// exportOptions holds everything export and plan read from flags and the
// config file.
type exportOptions struct {
	inPath     string
	outPath    string
	configFile string

	groupSize  int
	trueQuant  bool
	fuseLMHead bool
	layout     string
	variant    string

	// Mode fields taken from the profile; they layer over a variant.
	profileTrueQuant  bool
	profileFuseLMHead bool

	weightsSection    string
	quantizersSection string
	loadWorkers       int

	logLevel  string
	logFormat string
	debug     bool
}

func sourceFlags(o *exportOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"in"},
			Usage:       "source checkpoint (.safetensors file or sharded model directory)",
			Required:    true,
			Destination: &o.inPath,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "export profile (default: $XDG_CONFIG_HOME/liteml-export/config.yaml)",
			Destination: &o.configFile,
		},
		&cli.StringFlag{
			Name:        "weights-section",
			Usage:       "key prefix of model weights in the source",
			Value:       "model",
			Destination: &o.weightsSection,
		},
		&cli.StringFlag{
			Name:        "quantizers-section",
			Usage:       "key prefix of quantizer observers in the source",
			Value:       "w_quantizers",
			Destination: &o.quantizersSection,
		},
		&cli.IntFlag{
			Name:        "load-workers",
			Usage:       "concurrent tensor reads (0 = GOMAXPROCS)",
			Destination: &o.loadWorkers,
		},
	}
}

func modeFlags(o *exportOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "group-size",
			Aliases:     []string{"g"},
			Usage:       "quantization group size (<= 0 for per-channel)",
			Value:       -1,
			Destination: &o.groupSize,
		},
		&cli.BoolFlag{
			Name:        "true-quant",
			Usage:       "nest norm weights under the quantization-aware RMSNorm wrapper",
			Destination: &o.trueQuant,
		},
		&cli.BoolFlag{
			Name:        "fuse-lm-head",
			Usage:       "move the final norm into the lm_head hierarchy",
			Destination: &o.fuseLMHead,
		},
		&cli.StringFlag{
			Name:        "layout",
			Usage:       "key layout (legacy, pathed)",
			Destination: &o.layout,
		},
		&cli.StringFlag{
			Name:        "variant",
			Usage:       "preset (" + strings.Join(translate.Variants(), ", ") + "); explicit mode flags override it",
			Destination: &o.variant,
		},
	}
}

func loggingFlags(o *exportOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &o.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &o.debug,
		},
	}
}

// translateConfig builds the translator config. A variant is the starting
// point; mode fields from the profile replace its fields, and mode flags set
// on the command line replace both.
func (o *exportOptions) translateConfig(isSet func(string) bool) (translate.Config, error) {
	cfg := translate.Config{
		GroupSize:  o.groupSize,
		TrueQuant:  o.trueQuant,
		FuseLMHead: o.fuseLMHead,
	}
	if o.variant != "" {
		v, err := translate.Variant(o.variant, o.groupSize)
		if err != nil {
			return translate.Config{}, err
		}
		if isSet("true-quant") || o.profileTrueQuant {
			v.TrueQuant = o.trueQuant
		}
		if isSet("fuse-lm-head") || o.profileFuseLMHead {
			v.FuseLMHead = o.fuseLMHead
		}
		cfg = v
	}
	if o.layout != "" {
		l, err := translate.ParseLayout(o.layout)
		if err != nil {
			return translate.Config{}, err
		}
		cfg.Layout = l
	}
	return cfg.Resolve()
}
