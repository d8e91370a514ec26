package translate

// Category is the structural class of a weight key. The order of the
// constants is the matching priority.
type Category int

const (
	CategoryNorm Category = iota
	CategoryLMHead
	CategoryEmbedding
	CategoryLinear
	CategoryUnmatched
	// CategoryQuantizer marks entries synthesized from quantizer observers.
	CategoryQuantizer
)

func (c Category) String() string {
	switch c {
	case CategoryNorm:
		return "norm"
	case CategoryLMHead:
		return "lm_head"
	case CategoryEmbedding:
		return "embedding"
	case CategoryLinear:
		return "linear"
	case CategoryUnmatched:
		return "unmatched"
	case CategoryQuantizer:
		return "quantizer"
	default:
		return "unknown"
	}
}

// rule maps one category of weight keys to its target key. Weights are never
// reshaped; only quantizer parameters are.
type rule struct {
	category Category
	match    func(key) bool
	rename   func(key) string
}

// buildRules returns the ordered rule table for a resolved config. The first
// matching rule wins; keys matching none are dropped.
func buildRules(cfg Config) []rule {
	return []rule{
		{
			category: CategoryNorm,
			match: func(k key) bool {
				// With TrueQuant the embedding is not a norm and must not get
				// the _RMSnorm splice; it falls through to its own rule.
				return k.segmentContains(normMarker) ||
					k.raw == keyFinalNorm ||
					(k.raw == keyEmbedding && !cfg.TrueQuant)
			},
			rename: normRename(cfg),
		},
		{
			category: CategoryLMHead,
			match: func(k key) bool {
				return cfg.FuseLMHead && k.raw == keyLMHead
			},
			rename: func(key) string {
				return fusedLinear + "." + segInnerLinear + "." + segWeight
			},
		},
		{
			category: CategoryEmbedding,
			match: func(k key) bool {
				return k.raw == keyEmbedding
			},
			rename: func(k key) string { return k.raw },
		},
		{
			category: CategoryLinear,
			match: func(k key) bool {
				return k.last() == segWeight && k.secondLast() != segWrapper
			},
			rename: func(k key) string {
				return k.insertBeforeLast(segInnerLinear)
			},
		},
	}
}

// normRename spells out the four TrueQuant x FuseLMHead cases for norm keys.
func normRename(cfg Config) func(key) string {
	switch {
	case !cfg.TrueQuant && !cfg.FuseLMHead:
		return func(k key) string { return k.raw }
	case cfg.TrueQuant && !cfg.FuseLMHead:
		return func(k key) string { return rmsNormKey(k) }
	case !cfg.TrueQuant && cfg.FuseLMHead:
		// Plain norms fused into the head keep their layout, only moved.
		return func(k key) string {
			if k.raw == keyFinalNorm {
				return fusedNorm + "." + segWeight
			}
			return k.raw
		}
	default:
		return func(k key) string {
			if k.raw == keyFinalNorm {
				return fusedNorm + "." + segRMSNorm + "." + segWeight
			}
			return rmsNormKey(k)
		}
	}
}

// rmsNormKey nests a norm weight inside the TrueQuant RMSNorm wrapper:
// model.norm.weight -> model.norm._RMSnorm.weight. Other norm parameters
// keep their key.
func rmsNormKey(k key) string {
	if k.last() != segWeight {
		return k.raw
	}
	return k.insertBeforeLast(segRMSNorm)
}

// classify returns the first rule matching k, or nil when k is dropped.
func classify(rules []rule, k key) *rule {
	for i := range rules {
		if rules[i].match(k) {
			return &rules[i]
		}
	}
	return nil
}

// Classify reports the category of a single weight key under cfg.
func Classify(cfg Config, raw string) (Category, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return CategoryUnmatched, err
	}
	k, err := parseKey(raw)
	if err != nil {
		return CategoryUnmatched, err
	}
	if r := classify(buildRules(cfg), k); r != nil {
		return r.category, nil
	}
	return CategoryUnmatched, nil
}
