package vectorindex

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format selects the encoding of index.bin.
type Format string

const (
	// FormatF32 is a checksummed little-endian float32 matrix.
	FormatF32 Format = "f32"
	// FormatF32Zstd is FormatF32 compressed with zstd.
	FormatF32Zstd Format = "f32+zstd"
	// FormatF32LZ4 is FormatF32 compressed with lz4.
	FormatF32LZ4 Format = "f32+lz4"
	// FormatGob is encoding/gob. Gob decoding is not hardened against adversarial
	// input, so it is only opened from trusted sources.
	FormatGob Format = "gob"
)

// Known reports whether f is a supported format.
func (f Format) Known() bool {
	switch f {
	case FormatF32, FormatF32Zstd, FormatF32LZ4, FormatGob:
		return true
	}
	return false
}

// RequiresTrust reports whether opening f needs Options.TrustedSource.
func (f Format) RequiresTrust() bool { return f == FormatGob }

var magic = [4]byte{'T', 'H', 'V', 'X'}

const (
	formatVersion   = 1
	headerSize      = 16 // magic, version u16, reserved u16, count u32, dim u32
	blockHeaderSize = 8  // uncompressed u32, compressed u32
)

// Limits applied to header fields before anything is allocated.
const (
	maxDim          = 1 << 16
	maxIndexBytes   = 1 << 30
	maxLZ4Expansion = 255
)

var errShortIndex = errors.New("index.bin truncated")

// matrix is the decoded content of index.bin: ids[i] owns vectors[i*dim:(i+1)*dim].
type matrix struct {
	IDs     []uint32
	Dim     int
	Vectors []float32
}

func encodeMatrix(m matrix, f Format) ([]byte, error) {
	switch f {
	case FormatF32:
		return encodeF32(m), nil
	case FormatF32Zstd, FormatF32LZ4:
		return compressBlock(encodeF32(m), f)
	case FormatGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(m); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown index format %q", f)
	}
}

func decodeMatrix(data []byte, f Format) (matrix, error) {
	switch f {
	case FormatF32:
		return decodeF32(data)
	case FormatF32Zstd, FormatF32LZ4:
		raw, err := decompressBlock(data, f)
		if err != nil {
			return matrix{}, err
		}
		return decodeF32(raw)
	case FormatGob:
		var m matrix
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return matrix{}, fmt.Errorf("gob decode: %w", err)
		}
		if m.Dim < 0 || len(m.Vectors) != len(m.IDs)*m.Dim {
			return matrix{}, fmt.Errorf("gob matrix shape %d x %d does not match %d values", len(m.IDs), m.Dim, len(m.Vectors))
		}
		return m, nil
	default:
		return matrix{}, fmt.Errorf("unknown index format %q", f)
	}
}

// encodeF32 lays out header, rows of (id u32, dim x f32), then a CRC32 of everything before it.
func encodeF32(m matrix) []byte {
	n := len(m.IDs)
	buf := make([]byte, headerSize+n*(4+4*m.Dim)+4)

	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint16(buf[4:], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(n))
	binary.LittleEndian.PutUint32(buf[12:], uint32(m.Dim))

	off := headerSize
	for i, id := range m.IDs {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
		for _, v := range m.Vectors[i*m.Dim : (i+1)*m.Dim] {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf
}

func decodeF32(buf []byte) (matrix, error) {
	if len(buf) < headerSize+4 {
		return matrix{}, errShortIndex
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return matrix{}, errors.New("bad index.bin magic")
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != formatVersion {
		return matrix{}, fmt.Errorf("unsupported index.bin version %d", v)
	}
	rows := uint64(binary.LittleEndian.Uint32(buf[8:]))
	width := uint64(binary.LittleEndian.Uint32(buf[12:]))
	if width > maxDim {
		return matrix{}, fmt.Errorf("index.bin dim %d exceeds %d", width, maxDim)
	}
	rowBytes := 4 + 4*width
	data := uint64(len(buf) - headerSize - 4)
	if rows > data/rowBytes || rows*rowBytes != data {
		return matrix{}, fmt.Errorf("index.bin size %d does not hold %d rows of dim %d", len(buf), rows, width)
	}
	n, dim := int(rows), int(width)
	body := len(buf) - 4
	if got, exp := crc32.ChecksumIEEE(buf[:body]), binary.LittleEndian.Uint32(buf[body:]); got != exp {
		return matrix{}, fmt.Errorf("index.bin checksum mismatch: %08x != %08x", got, exp)
	}

	m := matrix{IDs: make([]uint32, n), Dim: dim, Vectors: make([]float32, n*dim)}
	off := headerSize
	for i := 0; i < n; i++ {
		m.IDs[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		row := m.Vectors[i*dim : (i+1)*dim]
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
	}
	return m, nil
}

func compressBlock(data []byte, f Format) ([]byte, error) {
	var compressed []byte
	switch f {
	case FormatF32Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		compressed = enc.EncodeAll(data, nil)
		_ = enc.Close()
	case FormatF32LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		compressed = dst[:n]
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(compressed)+len(data))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	if len(compressed) == 0 {
		// incompressible: stored raw, compressed size 0
		return append(out, data...), nil
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	return append(out, compressed...), nil
}

func decompressBlock(data []byte, f Format) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, errShortIndex
	}
	rawSize := int(binary.LittleEndian.Uint32(data[0:]))
	compSize := int(binary.LittleEndian.Uint32(data[4:]))
	payload := data[blockHeaderSize:]
	if rawSize > maxIndexBytes {
		return nil, fmt.Errorf("index.bin declares %d bytes, limit is %d", rawSize, maxIndexBytes)
	}

	if compSize == 0 {
		if len(payload) != rawSize {
			return nil, errShortIndex
		}
		return payload, nil
	}
	if len(payload) != compSize {
		return nil, errShortIndex
	}

	switch f {
	case FormatF32Zstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(rawSize)))
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		if len(out) != rawSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case FormatF32LZ4:
		if rawSize > compSize*maxLZ4Expansion {
			return nil, fmt.Errorf("lz4 block declares %d bytes from %d", rawSize, compSize)
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		if n != rawSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("format %q is not compressed", f)
	}
}
