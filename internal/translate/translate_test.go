package translate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/liteml-export/internal/checkpoint"
)

func tensor(dtype string, shape ...int64) checkpoint.Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	size := int64(2)
	if dtype == "F32" {
		size = 4
	}
	data := make([]byte, n*size)
	for i := range data {
		data[i] = byte(i*7 + len(shape))
	}
	return checkpoint.Tensor{DType: dtype, Shape: shape, Data: data}
}

var projections = []string{
	"model.layers.0.self_attn.q_proj",
	"model.layers.0.self_attn.k_proj",
	"model.layers.0.self_attn.v_proj",
	"model.layers.0.self_attn.o_proj",
	"model.layers.0.mlp.gate_proj",
	"model.layers.0.mlp.up_proj",
	"model.layers.0.mlp.down_proj",
	"lm_head",
}

// llamaSource is a one-layer quantized LLaMA checkpoint with 4 groups per row.
func llamaSource() *checkpoint.Source {
	src := checkpoint.NewSource()
	src.Weights["model.embed_tokens.weight"] = tensor("F16", 32, 8)
	src.Weights["model.layers.0.input_layernorm.weight"] = tensor("F16", 8)
	src.Weights["model.layers.0.post_attention_layernorm.weight"] = tensor("F16", 8)
	src.Weights["model.norm.weight"] = tensor("F16", 8)
	for _, p := range projections {
		src.Weights[p+".weight"] = tensor("F16", 8, 8)
		src.Quantizers[p+".module.weights_quantizer"] = checkpoint.QuantizerState{
			Scale: tensor("F16", 8, 4),
			Zero:  tensor("F16", 8, 4),
		}
	}
	// Wrapper internals and biases are not exported.
	src.Weights["model.layers.0.self_attn.q_proj.module.weight"] = tensor("F16", 8, 8)
	src.Weights["model.layers.0.self_attn.q_proj.bias"] = tensor("F16", 8)
	return src
}

func translateT(t *testing.T, cfg Config, src *checkpoint.Source) (*checkpoint.Target, *Report) {
	t.Helper()
	tr, err := New(cfg)
	require.NoError(t, err)
	target, report, err := tr.Translate(context.Background(), src)
	require.NoError(t, err)
	return target, report
}

// targetsBySource groups target keys by the source entry that produced them.
func targetsBySource(r *Report) map[string][]string {
	out := make(map[string][]string)
	for _, m := range r.Mappings {
		out[m.Source] = append(out[m.Source], m.Target)
	}
	for k := range out {
		slices.Sort(out[k])
	}
	return out
}

func TestGroupQuantExample(t *testing.T) {
	src := checkpoint.NewSource()
	src.Weights["model.layers.0.self_attn.q_proj.weight"] = tensor("F16", 16, 256)
	src.Quantizers["model.layers.0.self_attn.q_proj.module.weights_quantizer"] = checkpoint.QuantizerState{
		Scale: tensor("F16", 16, 2),
		Zero:  tensor("F16", 16, 2),
	}

	target, _ := translateT(t, Config{GroupSize: 128}, src)

	require.Equal(t, []string{
		"model.layers.0.self_attn.q_proj._model.weight",
		"model.layers.0.self_attn.q_proj._weights_quantizer.obs.scale_factor",
		"model.layers.0.self_attn.q_proj._weights_quantizer.obs.zp",
	}, target.Keys())

	w, _ := target.Get("model.layers.0.self_attn.q_proj._model.weight")
	require.True(t, w.Equal(src.Weights["model.layers.0.self_attn.q_proj.weight"]))

	scale, _ := target.Get("model.layers.0.self_attn.q_proj._weights_quantizer.obs.scale_factor")
	require.Equal(t, []int64{1, 16, 2, 1}, scale.Shape)
	zp, _ := target.Get("model.layers.0.self_attn.q_proj._weights_quantizer.obs.zp")
	require.Equal(t, []int64{1, 16, 2, 1}, zp.Shape)
}

func TestTrueQuantFinalNormExample(t *testing.T) {
	src := checkpoint.NewSource()
	src.Weights["model.norm.weight"] = tensor("F16", 8)

	target, _ := translateT(t, Config{TrueQuant: true}, src)
	require.Equal(t, []string{"model.norm._RMSnorm.weight"}, target.Keys())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		cfg  Config
		want Category
	}{
		{"model.layers.3.input_layernorm.weight", Config{}, CategoryNorm},
		{"model.layers.3.post_attention_layernorm.weight", Config{TrueQuant: true}, CategoryNorm},
		{"model.norm.weight", Config{}, CategoryNorm},
		{"model.norm.weight", Config{FuseLMHead: true}, CategoryNorm},
		{"model.embed_tokens.weight", Config{}, CategoryNorm},
		{"model.embed_tokens.weight", Config{TrueQuant: true}, CategoryEmbedding},
		{"lm_head.weight", Config{}, CategoryLinear},
		{"lm_head.weight", Config{FuseLMHead: true}, CategoryLMHead},
		{"model.layers.3.mlp.down_proj.weight", Config{}, CategoryLinear},
		{"model.layers.3.mlp.down_proj.module.weight", Config{}, CategoryUnmatched},
		{"model.layers.3.mlp.down_proj.bias", Config{}, CategoryUnmatched},
		// A norm marker wins over the "ends in weight" rule.
		{"model.layers.3.input_layernorm.module.weight", Config{}, CategoryNorm},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s/%s", tc.key, tc.cfg), func(t *testing.T) {
			t.Parallel()
			got, err := Classify(tc.cfg, tc.key)
			require.NoError(t, err)
			require.Equal(t, tc.want, got, "got %s want %s", got, tc.want)
		})
	}
}

func TestWeightRenamesAcrossModes(t *testing.T) {
	t.Parallel()

	modes := []struct {
		name string
		cfg  Config
	}{
		{"plain", Config{}},
		{"truequant", Config{TrueQuant: true}},
		{"fused", Config{FuseLMHead: true}},
		{"truequant-fused", Config{TrueQuant: true, FuseLMHead: true}},
	}

	// want[key] lists the target per mode, in the order of modes.
	want := map[string][4]string{
		"model.layers.0.input_layernorm.weight": {
			"model.layers.0.input_layernorm.weight",
			"model.layers.0.input_layernorm._RMSnorm.weight",
			"model.layers.0.input_layernorm.weight",
			"model.layers.0.input_layernorm._RMSnorm.weight",
		},
		"model.layers.0.input_layernorm.bias": {
			"model.layers.0.input_layernorm.bias",
			"model.layers.0.input_layernorm.bias",
			"model.layers.0.input_layernorm.bias",
			"model.layers.0.input_layernorm.bias",
		},
		"model.norm.weight": {
			"model.norm.weight",
			"model.norm._RMSnorm.weight",
			"lm_head._norm.weight",
			"lm_head._norm._RMSnorm.weight",
		},
		"model.embed_tokens.weight": {
			"model.embed_tokens.weight",
			"model.embed_tokens.weight",
			"model.embed_tokens.weight",
			"model.embed_tokens.weight",
		},
		"lm_head.weight": {
			"lm_head._model.weight",
			"lm_head._model.weight",
			"lm_head._linear._model.weight",
			"lm_head._linear._model.weight",
		},
		"model.layers.0.mlp.up_proj.weight": {
			"model.layers.0.mlp.up_proj._model.weight",
			"model.layers.0.mlp.up_proj._model.weight",
			"model.layers.0.mlp.up_proj._model.weight",
			"model.layers.0.mlp.up_proj._model.weight",
		},
	}

	for i, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			src := checkpoint.NewSource()
			for k := range want {
				src.Weights[k] = tensor("F16", 2)
			}
			_, report := translateT(t, mode.cfg, src)
			got := targetsBySource(report)
			for k, targets := range want {
				require.Equal(t, []string{targets[i]}, got[k], "source %s", k)
			}
		})
	}
}

func TestLegacyLayoutPrefixesEveryKey(t *testing.T) {
	t.Parallel()
	target, _ := translateT(t, Config{GroupSize: 4, Layout: LayoutLegacy}, llamaSource())

	require.NotZero(t, target.Len())
	for _, k := range target.Keys() {
		require.Regexp(t, `^_model\._model\.`, k)
	}
	_, ok := target.Get("_model._model.model.embed_tokens.weight")
	require.True(t, ok)
	_, ok = target.Get("_model._model.model.layers.0.mlp.gate_proj._weights_quantizer.obs.zp")
	require.True(t, ok)
}

func TestVariantsMatchExplicitConfigs(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"fused", "legacy", "pathed", "truequant", "truequant-fused"}, Variants())

	cfg, err := Variant("truequant", 128)
	require.NoError(t, err)
	require.Equal(t, Config{GroupSize: 128, TrueQuant: true, Layout: LayoutPathed}, cfg)

	_, err = Variant("export3", 128)
	require.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestGroupReshapeLaw(t *testing.T) {
	t.Parallel()
	src := llamaSource()

	for _, gs := range []int{128, 1, 0, -1} {
		t.Run(fmt.Sprint(gs), func(t *testing.T) {
			t.Parallel()
			target, report := translateT(t, Config{GroupSize: gs}, src)
			for _, m := range report.Mappings {
				if m.Category != CategoryQuantizer {
					continue
				}
				got, ok := target.Get(m.Target)
				require.True(t, ok)
				orig := src.Quantizers[m.Source].Scale
				if gs > 0 {
					require.True(t, m.Reshaped)
					require.Equal(t, orig.Rank()+2, got.Rank())
					require.Equal(t, int64(1), got.Shape[0])
					require.Equal(t, int64(1), got.Shape[got.Rank()-1])
					require.Equal(t, orig.Shape, got.Shape[1:got.Rank()-1])
				} else {
					require.False(t, m.Reshaped)
					require.Equal(t, orig.Shape, got.Shape)
				}
				require.Equal(t, orig.Data, got.Data)
			}
		})
	}
}

func TestPerChannelKeepsAnyRank(t *testing.T) {
	t.Parallel()
	src := checkpoint.NewSource()
	src.Quantizers["x.proj.module.q"] = checkpoint.QuantizerState{Scale: tensor("F32", 8, 1), Zero: tensor("F32", 8)}

	target, _ := translateT(t, Config{GroupSize: -1}, src)
	zp, _ := target.Get("x.proj._weights_quantizer.obs.zp")
	require.Equal(t, []int64{8}, zp.Shape)
}

func TestGroupReshapeRejectsWrongRank(t *testing.T) {
	t.Parallel()
	src := checkpoint.NewSource()
	src.Quantizers["x.proj.module.q"] = checkpoint.QuantizerState{Scale: tensor("F32", 8), Zero: tensor("F32", 8)}

	tr, err := New(Config{GroupSize: 64})
	require.NoError(t, err)
	_, _, err = tr.Translate(context.Background(), src)
	require.ErrorIs(t, err, ErrShapeMismatch)

	var se *ShapeError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "x.proj._weights_quantizer.obs.scale_factor", se.Key)
	require.Equal(t, 2, se.WantRank)
}

func TestDeterminism(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{GroupSize: 128}, {TrueQuant: true, FuseLMHead: true}, {Layout: LayoutLegacy}} {
		a, ra := translateT(t, cfg, llamaSource())
		b, rb := translateT(t, cfg, llamaSource())
		require.True(t, a.Equal(b), "config %s", cfg)
		if diff := cmp.Diff(ra, rb); diff != "" {
			t.Fatalf("reports differ (-a +b):\n%s", diff)
		}
	}
}

func TestCompletenessPlainMode(t *testing.T) {
	t.Parallel()
	src := llamaSource()
	target, report := translateT(t, Config{GroupSize: 4}, src)

	bySource := targetsBySource(report)
	for k := range src.Weights {
		cat, err := Classify(Config{GroupSize: 4}, k)
		require.NoError(t, err)
		switch cat {
		case CategoryNorm, CategoryLinear, CategoryEmbedding:
			require.Len(t, bySource[k], 1, "weight %s", k)
		case CategoryUnmatched:
			require.NotContains(t, bySource, k)
		}
	}
	for k := range src.Quantizers {
		require.Len(t, bySource[k], 2, "observer %s", k)
	}

	require.Equal(t, []string{
		"model.layers.0.self_attn.q_proj.bias",
		"model.layers.0.self_attn.q_proj.module.weight",
	}, report.Dropped)
	require.Equal(t, len(src.Weights)-2+2*len(src.Quantizers), target.Len())
	require.Equal(t, 2*len(projections), report.Count(CategoryQuantizer))
	require.Equal(t, 2, report.Count(CategoryUnmatched))
}

func TestEmbeddingIdentity(t *testing.T) {
	t.Parallel()
	src := llamaSource()
	emb := src.Weights[keyEmbedding]

	for _, name := range Variants() {
		cfg, err := Variant(name, 4)
		require.NoError(t, err)
		target, report := translateT(t, cfg, src)

		targets := targetsBySource(report)[keyEmbedding]
		require.Len(t, targets, 1)
		got, ok := target.Get(targets[0])
		require.True(t, ok)
		require.True(t, got.Equal(emb), "variant %s", name)
		require.Equal(t, cfg.Prefix()+keyEmbedding, targets[0])
	}
}

func TestModeExclusivity(t *testing.T) {
	t.Parallel()
	src := llamaSource()
	allowed := []string{keyFinalNorm, keyEmbedding, keyLMHead, "lm_head.module.weights_quantizer"}

	for _, tq := range []bool{false, true} {
		_, plain := translateT(t, Config{GroupSize: 4, TrueQuant: tq}, src)
		_, fused := translateT(t, Config{GroupSize: 4, TrueQuant: tq, FuseLMHead: true}, src)

		a, b := targetsBySource(plain), targetsBySource(fused)
		require.Equal(t, len(a), len(b))
		var changed []string
		for k := range a {
			if !slices.Equal(a[k], b[k]) {
				changed = append(changed, k)
			}
		}
		slices.Sort(changed)
		for _, k := range changed {
			require.Contains(t, allowed, k)
		}
		require.Contains(t, changed, keyFinalNorm)
		require.Contains(t, changed, keyLMHead)
	}
}

func TestFusedLMHeadQuantizerFollowsWeight(t *testing.T) {
	t.Parallel()
	target, _ := translateT(t, Config{GroupSize: 4, FuseLMHead: true}, llamaSource())
	for _, k := range []string{
		"lm_head._linear._model.weight",
		"lm_head._linear._weights_quantizer.obs.scale_factor",
		"lm_head._linear._weights_quantizer.obs.zp",
		"lm_head._norm.weight",
	} {
		_, ok := target.Get(k)
		require.True(t, ok, "missing %s", k)
	}
}

func TestSortInvariant(t *testing.T) {
	t.Parallel()
	for _, name := range Variants() {
		cfg, err := Variant(name, 4)
		require.NoError(t, err)
		target, report := translateT(t, cfg, llamaSource())
		keys := target.Keys()
		for i := 1; i < len(keys); i++ {
			require.Less(t, keys[i-1], keys[i])
		}
		for i, m := range report.Mappings {
			require.Equal(t, keys[i], m.Target)
		}
	}
}

func TestMalformedKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  func() *checkpoint.Source
	}{
		{"single segment weight", func() *checkpoint.Source {
			s := checkpoint.NewSource()
			s.Weights["weight"] = tensor("F16", 1)
			return s
		}},
		{"empty segment", func() *checkpoint.Source {
			s := checkpoint.NewSource()
			s.Weights["model..weight"] = tensor("F16", 1)
			return s
		}},
		{"observer without wrapper", func() *checkpoint.Source {
			s := checkpoint.NewSource()
			s.Quantizers["model.layers.0.q_proj.weights_quantizer"] = checkpoint.QuantizerState{Scale: tensor("F16", 1, 1), Zero: tensor("F16", 1, 1)}
			return s
		}},
		{"observer with empty prefix", func() *checkpoint.Source {
			s := checkpoint.NewSource()
			s.Quantizers["module.weights_quantizer"] = checkpoint.QuantizerState{Scale: tensor("F16", 1, 1), Zero: tensor("F16", 1, 1)}
			return s
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, err := New(Config{GroupSize: 4})
			require.NoError(t, err)
			target, report, err := tr.Translate(context.Background(), tc.src())
			require.ErrorIs(t, err, ErrMalformedKey)
			require.Nil(t, target)
			require.Nil(t, report)
		})
	}
}

func TestCollisions(t *testing.T) {
	t.Parallel()

	t.Run("two observers for one module", func(t *testing.T) {
		t.Parallel()
		src := checkpoint.NewSource()
		q := checkpoint.QuantizerState{Scale: tensor("F16", 2, 1), Zero: tensor("F16", 2, 1)}
		src.Quantizers["a.proj.module.weights_quantizer"] = q
		src.Quantizers["a.proj.module.other_quantizer"] = q

		_, err := Translate(context.Background(), src, Config{GroupSize: 4})
		require.ErrorIs(t, err, ErrDuplicateKey)
		var ce *CollisionError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, "a.proj._weights_quantizer.obs.scale_factor", ce.Target)
		require.Equal(t, "a.proj.module.other_quantizer", ce.First)
		require.Equal(t, "a.proj.module.weights_quantizer", ce.Second)
	})

	t.Run("weight shadows observer", func(t *testing.T) {
		t.Parallel()
		src := checkpoint.NewSource()
		src.Quantizers["x.input_layernorm.module.q"] = checkpoint.QuantizerState{Scale: tensor("F16", 2, 1), Zero: tensor("F16", 2, 1)}
		src.Weights["x.input_layernorm._weights_quantizer.obs.zp"] = tensor("F16", 2)

		_, err := Translate(context.Background(), src, Config{})
		require.ErrorIs(t, err, ErrDuplicateKey)
	})
}

func TestUnsupportedModes(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{Layout: LayoutLegacy, TrueQuant: true},
		{Layout: LayoutLegacy, FuseLMHead: true},
		{Layout: "flat"},
	} {
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrUnsupportedMode, "config %s", cfg)
		var me *ModeError
		require.True(t, errors.As(err, &me))
	}

	_, err := ParseLayout("flat")
	require.Error(t, err)
	l, err := ParseLayout(" Legacy ")
	require.NoError(t, err)
	require.Equal(t, LayoutLegacy, l)
}

func TestTranslateHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, err := New(Config{})
	require.NoError(t, err)
	_, _, err = tr.Translate(ctx, llamaSource())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPlanMatchesTranslate(t *testing.T) {
	t.Parallel()
	tr, err := New(Config{GroupSize: 4, TrueQuant: true})
	require.NoError(t, err)

	_, report, err := tr.Translate(context.Background(), llamaSource())
	require.NoError(t, err)
	plan, err := tr.Plan(context.Background(), llamaSource())
	require.NoError(t, err)
	if diff := cmp.Diff(report, plan); diff != "" {
		t.Fatalf("plan differs from translation (-translate +plan):\n%s", diff)
	}
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	cfg, err := Config{GroupSize: 128, TrueQuant: true}.Resolve()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"format":              "pt",
		"liteml.group_size":   "128",
		"liteml.true_quant":   "true",
		"liteml.fuse_lm_head": "false",
		"liteml.layout":       "pathed",
	}, cfg.Metadata())
}
