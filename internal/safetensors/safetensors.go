package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"
)

const metadataKey = "__metadata__"

// maxHeaderSize caps the JSON header; real-world headers are a few MiB at most.
const maxHeaderSize = 256 << 20

// TensorInfo describes one tensor payload. Start/End are absolute file offsets
// (End is exclusive).
type TensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File provides random access to the tensors of a single .safetensors file.
// Payloads are served from a read-only mapping when the platform allows it,
// otherwise through ReadAt on the open file.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	f    *os.File
	data []byte
}

// Open parses the header of a .safetensors file and validates every tensor
// range against the file size and declared dtype/shape.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sf, err := parseHeader(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parseHeader(path string, f *os.File) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	sz := st.Size()
	if sz < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: header too large (%d bytes): %s", headerLen, path)
	}
	if 8+int64(headerLen) > sz {
		return nil, fmt.Errorf("safetensors: header exceeds file size: %s", path)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("safetensors: parse %s: %w", metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	dataStart := 8 + int64(headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("safetensors: parse tensor %q: %w", name, err)
		}
		ti, err := th.resolve(name, dataStart, sz)
		if err != nil {
			return nil, err
		}
		tensors[name] = ti
	}

	sf := &File{
		Path:     path,
		Tensors:  tensors,
		Metadata: meta,
		f:        f,
	}
	if data, err := mapFile(f, sz); err == nil {
		sf.data = data
	}
	return sf, nil
}

func (th tensorHeader) resolve(name string, dataStart, fileSize int64) (TensorInfo, error) {
	startRel, endRel := th.DataOffsets[0], th.DataOffsets[1]
	if startRel < 0 || endRel < startRel {
		return TensorInfo{}, fmt.Errorf("safetensors: tensor %q: invalid offsets [%d, %d]", name, startRel, endRel)
	}
	start, end := dataStart+startRel, dataStart+endRel
	if end > fileSize {
		return TensorInfo{}, fmt.Errorf("safetensors: tensor %q: out-of-bounds data range", name)
	}

	elemSize, ok := DTypeSize(th.DType)
	if !ok {
		return TensorInfo{}, fmt.Errorf("safetensors: tensor %q: unsupported dtype %q", name, th.DType)
	}
	n, err := NumElements(th.Shape)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	if want := n * int64(elemSize); end-start != want {
		return TensorInfo{}, fmt.Errorf("safetensors: tensor %q: payload is %d bytes, %s%v needs %d", name, end-start, th.DType, th.Shape, want)
	}

	return TensorInfo{
		DType: th.DType,
		Shape: th.Shape,
		Start: start,
		End:   end,
	}, nil
}

func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	var first error
	if sf.data != nil {
		first = unmapFile(sf.data)
		sf.data = nil
	}
	if err := sf.f.Close(); err != nil && first == nil {
		first = err
	}
	sf.f = nil
	return first
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	if sf == nil {
		return TensorInfo{}, false
	}
	ti, ok := sf.Tensors[name]
	return ti, ok
}

func (sf *File) SortedTensorNames() []string {
	if sf == nil {
		return nil
	}
	out := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor returns a private copy of the tensor bytes. It is safe for
// concurrent use.
func (sf *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	if sf == nil || sf.f == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file closed")
	}
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}

	buf := make([]byte, ti.Size())
	if sf.data != nil {
		copy(buf, sf.data[ti.Start:ti.End])
		return buf, ti, nil
	}
	if _, err := sf.f.ReadAt(buf, ti.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: read tensor %q: %w", name, err)
	}
	return buf, ti, nil
}

// ReadTensorF32 decodes a floating point tensor into float32 values.
func (sf *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := sf.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(ti.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	return out, ti, nil
}

// NumElements returns the element count of shape. A rank-0 shape holds one
// element; zero-sized dimensions are allowed.
func NumElements(shape []int64) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (1<<62)/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
