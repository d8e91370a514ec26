package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

// Write encodes entries as a safetensors stream. Payloads are laid out
// contiguously in the order given, so callers control the on-disk order.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header, space padded to a multiple of 8]
// [tensor data: raw bytes]
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, e := range entries {
		if e.Name == "" || e.Name == metadataKey {
			return fmt.Errorf("safetensors: invalid tensor name %q", e.Name)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor name %q", e.Name)
		}
		elemSize, ok := DTypeSize(e.DType)
		if !ok {
			return fmt.Errorf("safetensors: tensor %q: unsupported dtype %q", e.Name, e.DType)
		}
		n, err := NumElements(e.Shape)
		if err != nil {
			return fmt.Errorf("safetensors: tensor %q: %w", e.Name, err)
		}
		size := int64(len(e.Data))
		if size != n*int64(elemSize) {
			return fmt.Errorf("safetensors: tensor %q: payload is %d bytes, %s%v needs %d", e.Name, size, e.DType, e.Shape, n*int64(elemSize))
		}

		shape := e.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("safetensors: write header size: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("safetensors: write header: %w", err)
	}
	for _, e := range entries {
		if _, err := bw.Write(e.Data); err != nil {
			return fmt.Errorf("safetensors: write tensor %q: %w", e.Name, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes entries to path atomically: the file only appears once it
// has been completely written and synced.
func WriteFile(path string, entries []Entry, metadata map[string]string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := Write(tmp, entries, metadata); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
