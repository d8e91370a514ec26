package checkpoint

import (
	"errors"
	"fmt"

	"github.com/samcharles93/liteml-export/internal/safetensors"
)

// Save writes target to path as a single .safetensors file, payloads in key
// order. The write is atomic; on error no file is left at path.
func Save(path string, target *Target, metadata map[string]string) error {
	if target == nil || target.Len() == 0 {
		return errors.New("checkpoint: refusing to save an empty target")
	}
	entries := make([]safetensors.Entry, 0, target.Len())
	for k, t := range target.All() {
		entries = append(entries, safetensors.Entry{
			Name:  k,
			DType: t.DType,
			Shape: t.Shape,
			Data:  t.Data,
		})
	}
	if err := safetensors.WriteFile(path, entries, metadata); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", path, err)
	}
	return nil
}
