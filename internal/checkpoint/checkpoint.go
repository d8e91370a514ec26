// Package checkpoint holds the in-memory checkpoint model shared by the loader,
// the translator and the saver, plus the safetensors-backed Load and Save.
package checkpoint

import (
	"fmt"
	"iter"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// QuantizerState is the affine quantization pair recorded for one weight.
type QuantizerState struct {
	Scale Tensor
	Zero  Tensor
}

// Source is a quantized training checkpoint: the model weights and the
// weight-quantizer observers, each keyed by a dotted module path.
type Source struct {
	Weights    map[string]Tensor
	Quantizers map[string]QuantizerState
}

func NewSource() *Source {
	return &Source{
		Weights:    make(map[string]Tensor),
		Quantizers: make(map[string]QuantizerState),
	}
}

// Target is the exported checkpoint: a flat mapping whose iteration order is
// the strictly increasing order of its keys. It is immutable once built.
type Target struct {
	entries *orderedmap.OrderedMap[string, Tensor]
}

// NewTarget builds a Target from keys, which must already be strictly
// increasing, and the tensor for each key.
func NewTarget(keys []string, tensors map[string]Tensor) (*Target, error) {
	if len(keys) != len(tensors) {
		return nil, fmt.Errorf("checkpoint: %d keys for %d tensors", len(keys), len(tensors))
	}
	om := orderedmap.New[string, Tensor](len(keys))
	for i, k := range keys {
		if i > 0 && keys[i-1] >= k {
			return nil, fmt.Errorf("checkpoint: target keys not strictly increasing at %q", k)
		}
		t, ok := tensors[k]
		if !ok {
			return nil, fmt.Errorf("checkpoint: no tensor for target key %q", k)
		}
		om.Set(k, t)
	}
	return &Target{entries: om}, nil
}

func (t *Target) Len() int {
	if t == nil || t.entries == nil {
		return 0
	}
	return t.entries.Len()
}

func (t *Target) Get(key string) (Tensor, bool) {
	if t == nil || t.entries == nil {
		return Tensor{}, false
	}
	return t.entries.Get(key)
}

// Keys returns the keys in order.
func (t *Target) Keys() []string {
	out := make([]string, 0, t.Len())
	for k := range t.All() {
		out = append(out, k)
	}
	return out
}

// All iterates the entries in key order.
func (t *Target) All() iter.Seq2[string, Tensor] {
	return func(yield func(string, Tensor) bool) {
		if t == nil || t.entries == nil {
			return
		}
		for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// Equal reports whether both targets hold the same keys in the same order with
// identical tensors.
func (t *Target) Equal(o *Target) bool {
	if t.Len() != o.Len() {
		return false
	}
	ka, kb := t.Keys(), o.Keys()
	if !slices.Equal(ka, kb) {
		return false
	}
	for _, k := range ka {
		a, _ := t.Get(k)
		b, _ := o.Get(k)
		if !a.Equal(b) {
			return false
		}
	}
	return true
}
