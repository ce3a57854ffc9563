package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DataType is the pixel type of a band or buffer. Pixels are stored in
// little-endian byte order.
type DataType int

const (
	// Unknown is the zero DataType.
	Unknown DataType = iota
	// Byte is an unsigned 8 bit integer.
	Byte
	// Int8 is a signed 8 bit integer.
	Int8
	// UInt16 is an unsigned 16 bit integer.
	UInt16
	// Int16 is a signed 16 bit integer.
	Int16
	// UInt32 is an unsigned 32 bit integer.
	UInt32
	// Int32 is a signed 32 bit integer.
	Int32
	// Float32 is an IEEE 754 single precision float.
	Float32
	// Float64 is an IEEE 754 double precision float.
	Float64
)

// Size returns the size in bytes of one pixel, or 0 for Unknown.
func (dt DataType) Size() int {
	switch dt {
	case Byte, Int8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat tells whether the type is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

func (dt DataType) String() string {
	switch dt {
	case Byte:
		return "Byte"
	case Int8:
		return "Int8"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// ParseDataType parses a type name such as "UInt16", ignoring case.
func ParseDataType(s string) (DataType, error) {
	for dt := Byte; dt <= Float64; dt++ {
		if strings.EqualFold(dt.String(), s) {
			return dt, nil
		}
	}
	return Unknown, fmt.Errorf("unknown data type %q", s)
}

// Range returns the smallest and largest value representable by an
// integer type. Float types report an infinite range.
func (dt DataType) Range() (lo, hi float64) {
	switch dt {
	case Byte:
		return 0, math.MaxUint8
	case Int8:
		return math.MinInt8, math.MaxInt8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// GetValue decodes one pixel of type dt from b.
func GetValue(dt DataType, b []byte) float64 {
	switch dt {
	case Byte:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case UInt16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// SetValue encodes v as one pixel of type dt into b. Integer types round
// half away from zero and clamp to their range; NaN becomes 0.
func SetValue(dt DataType, b []byte, v float64) {
	if !dt.IsFloat() {
		if math.IsNaN(v) {
			v = 0
		}
		lo, hi := dt.Range()
		v = math.Max(lo, math.Min(hi, math.Round(v)))
	}
	switch dt {
	case Byte:
		b[0] = uint8(v)
	case Int8:
		b[0] = uint8(int8(v))
	case UInt16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case UInt32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// CopyWords copies count pixels from src to dst, converting between pixel
// types. srcStride and dstStride are byte offsets between consecutive
// pixels.
func CopyWords(src []byte, srcType DataType, srcStride int, dst []byte, dstType DataType, dstStride int, count int) {
	if count <= 0 {
		return
	}
	srcSize, dstSize := srcType.Size(), dstType.Size()
	if srcType == dstType {
		if srcStride == srcSize && dstStride == dstSize {
			copy(dst[:count*dstSize], src[:count*srcSize])
			return
		}
		for i := 0; i < count; i++ {
			copy(dst[i*dstStride:i*dstStride+dstSize], src[i*srcStride:i*srcStride+srcSize])
		}
		return
	}
	for i := 0; i < count; i++ {
		SetValue(dstType, dst[i*dstStride:], GetValue(srcType, src[i*srcStride:]))
	}
}

// FillValue writes v into count pixels of dst.
func FillValue(dst []byte, dt DataType, stride int, count int, v float64) {
	if count <= 0 {
		return
	}
	size := dt.Size()
	SetValue(dt, dst, v)
	for i := 1; i < count; i++ {
		copy(dst[i*stride:i*stride+size], dst[:size])
	}
}
