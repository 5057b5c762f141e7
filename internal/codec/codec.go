package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor turns a raw RGBA tile of dim x dim pixels into the texture
// payload kept resident and persisted, and back.
type Compressor interface {
	Name() string
	Compress(raw []byte, dim int) ([]byte, error)
	Decompress(data []byte, dim int) ([]byte, error)
}

// New returns the compressor registered under name.
func New(name string) (Compressor, error) {
	switch name {
	case "lz4", "":
		return LZ4{}, nil
	case "zstd":
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s (supported: lz4, zstd)", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func rawSize(dim int) int {
	return dim * dim * 4
}

// LZ4 is the fast path used for interactive preparation.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Compress(raw []byte, dim int) ([]byte, error) {
	if len(raw) != rawSize(dim) {
		return nil, fmt.Errorf("lz4: raw tile is %d bytes, want %d", len(raw), rawSize(dim))
	}
	out := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, out, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(raw) {
		// Incompressible: store as-is, Decompress tells the two apart by length.
		return append([]byte(nil), raw...), nil
	}
	return out[:n], nil
}

func (LZ4) Decompress(data []byte, dim int) ([]byte, error) {
	want := rawSize(dim)
	if len(data) == want {
		return data, nil
	}
	out := make([]byte, want)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, err
	}
	if n != want {
		return nil, errors.New("lz4: decompressed size mismatch")
	}
	return out, nil
}

// Zstd trades speed for a better ratio.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Compress(raw []byte, dim int) ([]byte, error) {
	if len(raw) != rawSize(dim) {
		return nil, fmt.Errorf("zstd: raw tile is %d bytes, want %d", len(raw), rawSize(dim))
	}
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(raw, nil), nil
}

func (Zstd) Decompress(data []byte, dim int) ([]byte, error) {
	dec := getZstdDecoder()
	defer zstdDecoderPool.Put(dec)
	out, err := dec.DecodeAll(data, make([]byte, 0, rawSize(dim)))
	if err != nil {
		return nil, err
	}
	if len(out) != rawSize(dim) {
		return nil, errors.New("zstd: decompressed size mismatch")
	}
	return out, nil
}

// Blob frame written to the store:
//
//	[Kind uint8][UncompressedSize uint32][StoredSize uint32][Data...]
//
// Kind says how Data must be unpacked to recover the texture payload.
type Kind uint8

const (
	KindNone Kind = 0
	KindZstd Kind = 1
	KindLZ4  Kind = 2
)

const frameHeaderSize = 9

// ParseKind maps a post-compression name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "none", "":
		return KindNone, nil
	case "zstd":
		return KindZstd, nil
	case "lz4":
		return KindLZ4, nil
	default:
		return KindNone, fmt.Errorf("unknown post-compression: %s (supported: none, zstd, lz4)", name)
	}
}

// Pack wraps a texture payload for the store. With KindZstd or KindLZ4 the
// payload is compressed again unless that does not make it smaller.
func Pack(payload []byte, kind Kind) ([]byte, error) {
	stored := payload
	switch kind {
	case KindNone:
	case KindZstd:
		enc := getZstdEncoder()
		stored = enc.EncodeAll(payload, nil)
		zstdEncoderPool.Put(enc)
	case KindLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, out, nil)
		if err != nil {
			return nil, err
		}
		stored = out[:n]
	default:
		return nil, fmt.Errorf("unknown blob kind: %d", kind)
	}
	if kind != KindNone && (len(stored) == 0 || len(stored) >= len(payload)) {
		kind, stored = KindNone, payload
	}

	buf := make([]byte, frameHeaderSize+len(stored))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(stored)))
	copy(buf[frameHeaderSize:], stored)
	return buf, nil
}

// Unpack reverses Pack.
func Unpack(blob []byte) ([]byte, error) {
	if len(blob) < frameHeaderSize {
		return nil, errors.New("blob too small for header")
	}
	kind := Kind(blob[0])
	size := binary.LittleEndian.Uint32(blob[1:5])
	storedSize := binary.LittleEndian.Uint32(blob[5:9])
	if uint64(len(blob)) < frameHeaderSize+uint64(storedSize) {
		return nil, errors.New("blob data too small")
	}
	stored := blob[frameHeaderSize : frameHeaderSize+storedSize]

	switch kind {
	case KindNone:
		if storedSize != size {
			return nil, errors.New("blob size mismatch")
		}
		return stored, nil
	case KindZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case KindLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob kind: %d", kind)
	}
}
