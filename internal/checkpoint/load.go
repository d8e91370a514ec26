package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/liteml-export/internal/logger"
	"github.com/samcharles93/liteml-export/internal/safetensors"
)

// Default section names of the flattened state dict: the training pipeline
// saves {"model": weights, "w_quantizers": observers}.
const (
	DefaultWeightsSection    = "model"
	DefaultQuantizersSection = "w_quantizers"

	scaleField = "scale"
	zeroField  = "zero"
)

// LoadOptions controls how a flattened safetensors state dict is split back
// into weights and quantizer observers.
type LoadOptions struct {
	WeightsSection    string
	QuantizersSection string
	// Workers bounds concurrent payload reads; <= 0 means GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.WeightsSection == "" {
		o.WeightsSection = DefaultWeightsSection
	}
	if o.QuantizersSection == "" {
		o.QuantizersSection = DefaultQuantizersSection
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// tensorSlot says where a stored tensor lands in the Source.
type tensorSlot struct {
	stored string
	key    string
	field  string // "" for weights, scale/zero for observers
}

// Load reads a source checkpoint from a .safetensors file or a (sharded)
// model directory. Stored names are the flattened state dict:
//
//	<weights section>.<weight key>
//	<quantizers section>.<observer key>.scale
//	<quantizers section>.<observer key>.zero
//
// Names outside both sections are skipped.
func Load(ctx context.Context, path string, opts LoadOptions) (*Source, error) {
	opts = opts.withDefaults()
	if opts.WeightsSection == opts.QuantizersSection {
		return nil, fmt.Errorf("checkpoint: weights and quantizers share section %q", opts.WeightsSection)
	}

	m, err := safetensors.OpenModel(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer func() { _ = m.Close() }()

	slots, err := planSlots(m.SortedTensorNames(), opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug("loading checkpoint", "path", path, "tensors", len(slots), "workers", opts.Workers)

	src := NewSource()
	observers := make(map[string]*QuantizerState)
	seen := make(map[string]map[string]bool)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, s := range slots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, info, err := m.ReadTensor(s.stored)
			if err != nil {
				return err
			}
			t := Tensor{DType: info.DType, Shape: info.Shape, Data: data}

			mu.Lock()
			defer mu.Unlock()
			if s.field == "" {
				src.Weights[s.key] = t
				return nil
			}
			st := observers[s.key]
			if st == nil {
				st = &QuantizerState{}
				observers[s.key] = st
				seen[s.key] = make(map[string]bool, 2)
			}
			if s.field == scaleField {
				st.Scale = t
			} else {
				st.Zero = t
			}
			seen[s.key][s.field] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", path, err)
	}

	var missing []string
	for key, st := range observers {
		fields := seen[key]
		if !fields[scaleField] || !fields[zeroField] {
			missing = append(missing, key)
			continue
		}
		src.Quantizers[key] = *st
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("checkpoint: quantizer observers without both %s and %s: %s",
			scaleField, zeroField, strings.Join(missing, ", "))
	}

	opts.Logger.Info("loaded checkpoint", "path", path, "weights", len(src.Weights), "quantizers", len(src.Quantizers))
	return src, nil
}

func planSlots(names []string, opts LoadOptions) ([]tensorSlot, error) {
	wp := opts.WeightsSection + "."
	qp := opts.QuantizersSection + "."

	slots := make([]tensorSlot, 0, len(names))
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, wp):
			slots = append(slots, tensorSlot{stored: name, key: strings.TrimPrefix(name, wp)})
		case strings.HasPrefix(name, qp):
			rest := strings.TrimPrefix(name, qp)
			i := strings.LastIndexByte(rest, '.')
			if i <= 0 {
				return nil, fmt.Errorf("checkpoint: quantizer tensor %q has no observer field", name)
			}
			field := rest[i+1:]
			if field != scaleField && field != zeroField {
				return nil, fmt.Errorf("checkpoint: quantizer tensor %q: unknown field %q", name, field)
			}
			slots = append(slots, tensorSlot{stored: name, key: rest[:i], field: field})
		default:
			opts.Logger.Debug("skipping tensor outside known sections", "name", name)
		}
	}
	if len(slots) == 0 {
		return nil, errors.New("checkpoint: no tensors found under the weights or quantizers sections")
	}
	return slots, nil
}
