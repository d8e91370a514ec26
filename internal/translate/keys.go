package translate

import (
	"slices"
	"strings"
)

// Path segments and fixed keys of the two naming conventions.
const (
	segWeight      = "weight"
	segWrapper     = "module"
	segInnerLinear = "_model"
	segRMSNorm     = "_RMSnorm"
	normMarker     = "layernorm"

	keyEmbedding = "model.embed_tokens.weight"
	keyFinalNorm = "model.norm.weight"
	keyLMHead    = "lm_head.weight"

	lmHeadModule  = "lm_head"
	fusedNorm     = "lm_head._norm"
	fusedLinear   = "lm_head._linear"
	legacyPrefix  = "_model._model."
	quantizerObs  = "_weights_quantizer.obs"
	quantScaleSeg = "scale_factor"
	quantZeroSeg  = "zp"
)

// key is a source key split into its dotted segments.
type key struct {
	raw  string
	segs []string
}

// parseKey requires at least two non-empty segments so that the last and
// second-to-last components always exist.
func parseKey(raw string) (key, error) {
	segs := strings.Split(raw, ".")
	if len(segs) < 2 {
		return key{}, &KeyError{Key: raw, Reason: "need at least two dot-separated segments"}
	}
	if slices.Contains(segs, "") {
		return key{}, &KeyError{Key: raw, Reason: "empty segment"}
	}
	return key{raw: raw, segs: segs}, nil
}

func (k key) last() string       { return k.segs[len(k.segs)-1] }
func (k key) secondLast() string { return k.segs[len(k.segs)-2] }

func (k key) segmentContains(marker string) bool {
	return slices.ContainsFunc(k.segs, func(s string) bool {
		return strings.Contains(s, marker)
	})
}

// insertBeforeLast splices marker in front of the final segment.
func (k key) insertBeforeLast(marker string) string {
	out := slices.Insert(slices.Clone(k.segs), len(k.segs)-1, marker)
	return strings.Join(out, ".")
}

// modulePath returns the segments before the first wrapper segment.
func (k key) modulePath() (string, bool) {
	i := slices.Index(k.segs, segWrapper)
	if i <= 0 {
		return "", false
	}
	return strings.Join(k.segs[:i], "."), true
}
