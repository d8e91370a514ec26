// Package translate maps a quantized training checkpoint onto the LiteML
// naming and tensor-layout convention.
//
// Every weight key is classified by an ordered rule table (norm, lm head,
// embedding, quantized linear; anything else is dropped) and renamed by the
// first matching rule. Every quantizer observer yields a scale_factor and a zp
// entry, reshaped for group quantization when enabled. The result is sorted
// by key before it is returned.
package translate

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/samcharles93/liteml-export/internal/checkpoint"
	"github.com/samcharles93/liteml-export/internal/logger"
)

// Translator converts source checkpoints under one fixed Config.
type Translator struct {
	cfg   Config
	rules []rule
	log   logger.Logger
}

// Option configures a Translator.
type Option func(*Translator)

// WithLogger sets the logger for rule decisions and the summary line. A nil
// logger keeps the default, which discards everything.
func WithLogger(l logger.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.log = l
		}
	}
}

// New validates cfg and builds its rule table.
func New(cfg Config, opts ...Option) (*Translator, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	t := &Translator{
		cfg:   resolved,
		rules: buildRules(resolved),
		log:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if resolved.FuseLMHead && !resolved.TrueQuant {
		t.log.Debug("fusing lm head without true quantization; final norm keeps its plain layout")
	}
	return t, nil
}

// Config returns the resolved configuration.
func (t *Translator) Config() Config { return t.cfg }

// Translate produces the target checkpoint. On error nothing is returned:
// there is no partial result.
func (t *Translator) Translate(ctx context.Context, src *checkpoint.Source) (*checkpoint.Target, *Report, error) {
	a, err := t.run(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	keys := a.sortedKeys()
	target, err := a.target(keys)
	if err != nil {
		return nil, nil, err
	}
	report := a.report(t.cfg, keys)
	t.log.Info("translated checkpoint",
		"entries", target.Len(),
		"linear", report.Count(CategoryLinear),
		"norm", report.Count(CategoryNorm),
		"quantizer", report.Count(CategoryQuantizer),
		"dropped", len(report.Dropped),
	)
	return target, report, nil
}

// Plan runs the same rules as Translate and returns only the report.
func (t *Translator) Plan(ctx context.Context, src *checkpoint.Source) (*Report, error) {
	a, err := t.run(ctx, src)
	if err != nil {
		return nil, err
	}
	return a.report(t.cfg, a.sortedKeys()), nil
}

func (t *Translator) run(ctx context.Context, src *checkpoint.Source) (*assembler, error) {
	if src == nil {
		return nil, errors.New("translate: nil source checkpoint")
	}
	a := newAssembler(len(src.Weights) + 2*len(src.Quantizers))
	prefix := t.cfg.Prefix()

	// Observers first; the two passes write disjoint key namespaces and the
	// assembler turns any overlap into a CollisionError.
	for _, k := range slices.Sorted(maps.Keys(src.Quantizers)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.projectQuantizer(a, prefix, k, src.Quantizers[k]); err != nil {
			return nil, err
		}
	}

	for _, k := range slices.Sorted(maps.Keys(src.Weights)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pk, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		r := classify(t.rules, pk)
		if r == nil {
			t.log.Debug("dropping weight", "key", k)
			a.drop(k)
			continue
		}
		m := Mapping{Source: k, Target: prefix + r.rename(pk), Category: r.category}
		if err := a.add(m, src.Weights[k]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (t *Translator) projectQuantizer(a *assembler, prefix, k string, st checkpoint.QuantizerState) error {
	scaleKey, zeroKey, err := quantizerTargets(t.cfg, k)
	if err != nil {
		return err
	}
	for _, p := range []struct {
		target string
		tensor checkpoint.Tensor
	}{
		{prefix + scaleKey, st.Scale},
		{prefix + zeroKey, st.Zero},
	} {
		out, reshaped, err := projectParam(t.cfg, p.target, p.tensor)
		if err != nil {
			return err
		}
		m := Mapping{Source: k, Target: p.target, Category: CategoryQuantizer, Reshaped: reshaped}
		if err := a.add(m, out); err != nil {
			return err
		}
	}
	return nil
}

// Translate is a convenience wrapper around New and Translator.Translate.
func Translate(ctx context.Context, src *checkpoint.Source, cfg Config) (*checkpoint.Target, error) {
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	target, _, err := t.Translate(ctx, src)
	return target, err
}
