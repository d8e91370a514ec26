package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType names as they appear in safetensors headers.
const (
	F64    = "F64"
	F32    = "F32"
	F16    = "F16"
	BF16   = "BF16"
	F8E4M3 = "F8_E4M3"
	F8E5M2 = "F8_E5M2"
	I64    = "I64"
	I32    = "I32"
	I16    = "I16"
	I8     = "I8"
	U64    = "U64"
	U32    = "U32"
	U16    = "U16"
	U8     = "U8"
	Bool   = "BOOL"
)

var dtypeSizes = map[string]int{
	F64: 8, I64: 8, U64: 8,
	F32: 4, I32: 4, U32: 4,
	F16: 2, BF16: 2, I16: 2, U16: 2,
	F8E4M3: 1, F8E5M2: 1, I8: 1, U8: 1, Bool: 1,
}

// DTypeSize reports the byte width of one element of dtype.
func DTypeSize(dtype string) (int, bool) {
	n, ok := dtypeSizes[dtype]
	return n, ok
}

// DecodeF32 widens a little-endian F64/F32/F16/BF16 payload to float32.
func DecodeF32(dtype string, raw []byte) ([]float32, error) {
	size, ok := DTypeSize(dtype)
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("invalid %s data size %d", dtype, len(raw))
	}
	n := len(raw) / size

	switch dtype {
	case F64:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// IsFloat reports whether DecodeF32 can widen dtype.
func IsFloat(dtype string) bool {
	switch dtype {
	case F64, F32, F16, BF16:
		return true
	}
	return false
}
