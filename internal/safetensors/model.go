package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// IndexFile is the standard Hugging Face sharded safetensors index filename.
const IndexFile = "model.safetensors.index.json"

// TensorRef points to a tensor within a (possibly sharded) model.
type TensorRef struct {
	Name string
	File *File
	Info TensorInfo
}

// Model is a unified view of a single safetensors file or a sharded model
// described by IndexFile.
type Model struct {
	BasePath string
	Files    map[string]*File     // key: shard filename (relative)
	Tensors  map[string]TensorRef // key: tensor name
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Model) Tensor(name string) (TensorRef, bool) {
	if m == nil {
		return TensorRef{}, false
	}
	tr, ok := m.Tensors[name]
	return tr, ok
}

func (m *Model) SortedTensorNames() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor copies the payload of name out of whichever shard holds it.
func (m *Model) ReadTensor(name string) ([]byte, TensorInfo, error) {
	tr, ok := m.Tensor(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	return tr.File.ReadTensor(name)
}

// OpenModel opens either:
//   - a single .safetensors file
//   - a directory containing IndexFile
//   - a directory containing exactly one *.safetensors file
func OpenModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected .safetensors file: %s", path)
		}
		sf, err := Open(path)
		if err != nil {
			return nil, err
		}
		m := &Model{
			BasePath: path,
			Files:    map[string]*File{filepath.Base(path): sf},
			Tensors:  make(map[string]TensorRef, len(sf.Tensors)),
		}
		for name, info := range sf.Tensors {
			m.Tensors[name] = TensorRef{Name: name, File: sf, Info: info}
		}
		return m, nil
	}

	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openIndexModel(path, idxPath)
	}

	single, err := findSingleInDir(path)
	if err != nil {
		return nil, err
	}
	return OpenModel(single)
}

type index struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

func findSingleInDir(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("safetensors: no .safetensors file and no %s in directory: %s", IndexFile, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("safetensors: found %d .safetensors files but no %s in directory: %s", len(matches), IndexFile, dir)
	}
}

func openIndexModel(dir, idxPath string) (_ *Model, err error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("safetensors: parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: index has empty weight_map: %s", idxPath)
	}

	m := &Model{
		BasePath: dir,
		Files:    make(map[string]*File),
		Tensors:  make(map[string]TensorRef, len(idx.WeightMap)),
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	for name, shard := range idx.WeightMap {
		if shard == "" {
			return nil, fmt.Errorf("safetensors: invalid shard name for tensor %q", name)
		}
		sf, ok := m.Files[shard]
		if !ok {
			sf, err = Open(filepath.Join(dir, shard))
			if err != nil {
				return nil, err
			}
			m.Files[shard] = sf
		}
		info, ok := sf.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("safetensors: tensor %q not found in shard %q", name, shard)
		}
		m.Tensors[name] = TensorRef{Name: name, File: sf, Info: info}
	}
	return m, nil
}
