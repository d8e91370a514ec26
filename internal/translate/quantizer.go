package translate

import (
	"github.com/samcharles93/liteml-export/internal/checkpoint"
)

// quantizerTargets returns the scale and zero-point target keys (without the
// global prefix) for one observer key.
func quantizerTargets(cfg Config, raw string) (scale, zero string, err error) {
	k, err := parseKey(raw)
	if err != nil {
		return "", "", err
	}
	prefix, ok := k.modulePath()
	if !ok {
		return "", "", &KeyError{Key: raw, Reason: "no module path before a \"" + segWrapper + "\" segment"}
	}
	if cfg.FuseLMHead && prefix == lmHeadModule {
		prefix = fusedLinear
	}
	base := prefix + "." + quantizerObs + "."
	return base + quantScaleSeg, base + quantZeroSeg, nil
}

// projectParam lays a scale or zero tensor out for the target runtime. With
// group quantization a [C, G] tensor becomes [1, C, G, 1], the broadcast shape
// of the grouped dequantization kernel; per-channel tensors pass through.
func projectParam(cfg Config, target string, t checkpoint.Tensor) (checkpoint.Tensor, bool, error) {
	if !cfg.GroupQuant() {
		return t, false, nil
	}
	if t.Rank() != 2 {
		return checkpoint.Tensor{}, false, &ShapeError{Key: target, Shape: t.Shape, WantRank: 2}
	}
	out, err := t.InsertAxis(0)
	if err != nil {
		return checkpoint.Tensor{}, false, err
	}
	out, err = out.InsertAxis(out.Rank())
	if err != nil {
		return checkpoint.Tensor{}, false, err
	}
	return out, true, nil
}
