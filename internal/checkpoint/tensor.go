package checkpoint

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/samcharles93/liteml-export/internal/safetensors"
)

// Tensor is an opaque N-dimensional array: a dtype name, a shape and the
// little-endian row-major payload. Nothing in this module interprets Data.
type Tensor struct {
	DType string
	Shape []int64
	Data  []byte
}

func (t Tensor) Rank() int { return len(t.Shape) }

func (t Tensor) NumElements() int64 {
	n, err := safetensors.NumElements(t.Shape)
	if err != nil {
		return 0
	}
	return n
}

// InsertAxis returns a view of t with a size-1 dimension inserted before
// position pos (0 <= pos <= rank). The payload is shared: a singleton axis
// never changes the row-major layout.
func (t Tensor) InsertAxis(pos int) (Tensor, error) {
	if pos < 0 || pos > len(t.Shape) {
		return Tensor{}, fmt.Errorf("insert axis %d into rank-%d tensor", pos, len(t.Shape))
	}
	return Tensor{
		DType: t.DType,
		Shape: slices.Insert(slices.Clone(t.Shape), pos, 1),
		Data:  t.Data,
	}, nil
}

// Equal reports whether t and o have the same dtype, shape and bytes.
func (t Tensor) Equal(o Tensor) bool {
	return t.DType == o.DType && slices.Equal(t.Shape, o.Shape) && bytes.Equal(t.Data, o.Data)
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}
