package translate

import (
	"slices"
	"strings"

	"github.com/samcharles93/liteml-export/internal/checkpoint"
)

// assembler collects target entries from both passes and refuses to let one
// overwrite another.
type assembler struct {
	tensors  map[string]checkpoint.Tensor
	mappings map[string]Mapping
	dropped  []string
}

func newAssembler(sizeHint int) *assembler {
	return &assembler{
		tensors:  make(map[string]checkpoint.Tensor, sizeHint),
		mappings: make(map[string]Mapping, sizeHint),
	}
}

func (a *assembler) add(m Mapping, t checkpoint.Tensor) error {
	if prev, ok := a.mappings[m.Target]; ok {
		return &CollisionError{Target: m.Target, First: prev.Source, Second: m.Source}
	}
	m.Shape = t.Shape
	a.mappings[m.Target] = m
	a.tensors[m.Target] = t
	return nil
}

func (a *assembler) drop(source string) {
	a.dropped = append(a.dropped, source)
}

// sortedKeys is the final normalization step: the exported checkpoint is
// diffed across runs, so its order must not depend on map iteration.
func (a *assembler) sortedKeys() []string {
	keys := make([]string, 0, len(a.mappings))
	for k := range a.mappings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (a *assembler) report(cfg Config, keys []string) *Report {
	r := &Report{
		Config:   cfg,
		Mappings: make([]Mapping, 0, len(keys)),
		Dropped:  slices.Clone(a.dropped),
	}
	for _, k := range keys {
		r.Mappings = append(r.Mappings, a.mappings[k])
	}
	slices.SortFunc(r.Dropped, strings.Compare)
	return r
}

func (a *assembler) target(keys []string) (*checkpoint.Target, error) {
	return checkpoint.NewTarget(keys, a.tensors)
}
