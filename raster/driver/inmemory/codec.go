package inmemory

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression selects how stored blocks are compressed.
type Compression string

const (
	// CompressionNone stores blocks as they are.
	CompressionNone Compression = "none"
	// CompressionLZ4 stores blocks in lz4 block format.
	CompressionLZ4 Compression = "lz4"
	// CompressionZstd stores blocks as zstd frames.
	CompressionZstd Compression = "zstd"
)

// tag records how one stored payload was written, so blocks written before
// a compression change stay readable.
type tag byte

const (
	tagRaw tag = iota
	tagLZ4
	tagZstd
)

var errIncompressible = errors.New("incompressible block")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("inmemory: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("inmemory: zstd decoder initialization failed: " + err.Error())
	}
}

// storedBlock is the at-rest form of one block.
type storedBlock struct {
	tag     tag
	payload []byte
	sum     *[32]byte
}

type blockCodec struct {
	compression Compression
	checksum    bool
}

func parseCompression(s Compression) (Compression, error) {
	switch s {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4, CompressionZstd:
		return s, nil
	}
	return "", fmt.Errorf("unknown compression %q, must be one of [none, lz4, zstd]", string(s))
}

// pack copies raw into its stored form.
func (c blockCodec) pack(raw []byte) (storedBlock, error) {
	sb := storedBlock{tag: tagRaw}
	var err error
	switch c.compression {
	case CompressionLZ4:
		sb.payload, err = compressLZ4(raw)
		sb.tag = tagLZ4
	case CompressionZstd:
		sb.payload, err = compressZstd(raw)
		sb.tag = tagZstd
	}
	if errors.Is(err, errIncompressible) || c.compression == CompressionNone || c.compression == "" {
		sb.tag = tagRaw
		sb.payload = append([]byte(nil), raw...)
		err = nil
	}
	if err != nil {
		return storedBlock{}, err
	}
	if c.checksum {
		sum := blake3.Sum256(raw)
		sb.sum = &sum
	}
	return sb, nil
}

// unpack fills dst, which must be exactly the block size.
func (c blockCodec) unpack(sb storedBlock, dst []byte) error {
	switch sb.tag {
	case tagRaw:
		if len(sb.payload) != len(dst) {
			return fmt.Errorf("stored block holds %d bytes, expected %d", len(sb.payload), len(dst))
		}
		copy(dst, sb.payload)
	case tagLZ4:
		n, err := lz4.UncompressBlock(sb.payload, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != len(dst) {
			return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, len(dst))
		}
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(sb.payload, dst[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != len(dst) {
			return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), len(dst))
		}
		if &out[0] != &dst[0] {
			copy(dst, out)
		}
	default:
		return fmt.Errorf("unsupported block tag %d", sb.tag)
	}

	if sb.sum != nil {
		if sum := blake3.Sum256(dst); sum != *sb.sum {
			return errors.New("block checksum mismatch")
		}
	}
	return nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
