package vector

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"

	"github.com/notewise/notewise/internal/errors"
)

// Segment file layout:
//
//	magic "AINB" | version u16 | compression u8 | flags u8 |
//	entry_count u32 | payload_bytes u64 | crc32 u32
//
// followed by the (possibly compressed) payload. Entries serialize as
// id_len u16 | id | vector_len u32 | vector f32[] | meta_len u32 | meta JSON.
// All integers are little-endian. payload_bytes is the uncompressed size;
// the CRC covers the compressed payload as written.
const (
	segmentMagic   = "AINB"
	segmentVersion = uint16(1)
	headerSize     = 4 + 2 + 1 + 1 + 4 + 8 + 4

	flagChecksum = uint8(1 << 0)
)

// Compression identifies a segment payload codec.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
	CompressionS2   Compression = 2
)

// ParseCompression maps a config string to a codec.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "s2":
		return CompressionS2, nil
	default:
		return CompressionNone, errors.Newf(errors.ErrCodeConfigInvalid,
			"unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionS2:
		return "s2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// segmentHeader is the decoded fixed-size segment prefix.
type segmentHeader struct {
	version     uint16
	compression Compression
	checksummed bool
	entryCount  uint32
	payloadSize uint64
	crc32       uint32
}

// persistedMeta is the JSON metadata block of one serialized entry.
// Timestamps ride along with the source metadata.
type persistedMeta struct {
	Metadata
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// encodeEntries serializes entries into the raw (uncompressed) payload.
func encodeEntries(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if len(e.ID) > math.MaxUint16 {
			return nil, errors.Newf(errors.ErrCodeInvalidInput,
				"entry id too long: %d bytes", len(e.ID))
		}
		meta, err := json.Marshal(persistedMeta{
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}

		var scratch [8]byte
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.ID)))
		buf.Write(scratch[:2])
		buf.WriteString(e.ID)

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Vector)))
		buf.Write(scratch[:4])
		for _, v := range e.Vector {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(v))
			buf.Write(scratch[:4])
		}

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(meta)))
		buf.Write(scratch[:4])
		buf.Write(meta)
	}
	return buf.Bytes(), nil
}

// decodeEntries parses the raw payload back into entries.
func decodeEntries(payload []byte, count int) ([]*Entry, error) {
	entries := make([]*Entry, 0, count)
	r := bytes.NewReader(payload)

	for i := 0; i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, truncated(i, err)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, truncated(i, err)
		}

		var vecLen uint32
		if err := binary.Read(r, binary.LittleEndian, &vecLen); err != nil {
			return nil, truncated(i, err)
		}
		if int(vecLen)*4 > r.Len() {
			return nil, truncated(i, io.ErrUnexpectedEOF)
		}
		vec := make([]float32, vecLen)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, truncated(i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}

		var metaLen uint32
		if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
			return nil, truncated(i, err)
		}
		if int(metaLen) > r.Len() {
			return nil, truncated(i, io.ErrUnexpectedEOF)
		}
		metaBytes := make([]byte, metaLen)
		if _, err := io.ReadFull(r, metaBytes); err != nil {
			return nil, truncated(i, err)
		}
		var meta persistedMeta
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, errors.New(errors.ErrCodeSegmentCorrupt,
				fmt.Sprintf("entry %d metadata unparsable", i), err)
		}

		entries = append(entries, &Entry{
			ID:        string(id),
			Vector:    vec,
			Metadata:  meta.Metadata,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
		})
	}
	return entries, nil
}

func truncated(ordinal int, cause error) error {
	return errors.New(errors.ErrCodeSegmentCorrupt,
		fmt.Sprintf("segment payload truncated at entry %d", ordinal), cause)
}

// compressPayload applies the codec to the raw payload.
func compressPayload(raw []byte, codec Compression) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWriteFailed, err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWriteFailed, err)
		}
		return buf.Bytes(), nil
	case CompressionS2:
		return s2.Encode(nil, raw), nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"unknown compression codec %d", codec)
	}
}

// decompressPayload reverses compressPayload. expected is the uncompressed
// size from the header, used to pre-size buffers and cross-check.
func decompressPayload(data []byte, codec Compression, expected uint64) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.New(errors.ErrCodeSegmentCorrupt, "gzip header unreadable", err)
		}
		defer func() { _ = r.Close() }()
		raw := make([]byte, 0, expected)
		buf := bytes.NewBuffer(raw)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, errors.New(errors.ErrCodeSegmentCorrupt, "gzip payload unreadable", err)
		}
		return buf.Bytes(), nil
	case CompressionS2:
		raw, err := s2.Decode(nil, data)
		if err != nil {
			return nil, errors.New(errors.ErrCodeSegmentCorrupt, "s2 payload unreadable", err)
		}
		return raw, nil
	default:
		return nil, errors.Newf(errors.ErrCodeSegmentCorrupt,
			"unknown compression codec %d", codec)
	}
}

// encodeSegment builds the full segment file image.
func encodeSegment(entries []*Entry, codec Compression, checksum bool) ([]byte, error) {
	raw, err := encodeEntries(entries)
	if err != nil {
		return nil, err
	}
	payload, err := compressPayload(raw, codec)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:6], segmentVersion)
	buf[6] = uint8(codec)
	var flags uint8
	if checksum {
		flags |= flagChecksum
		binary.LittleEndian.PutUint32(buf[20:24], crc32.ChecksumIEEE(payload))
	}
	buf[7] = flags
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(len(raw)))

	return append(buf, payload...), nil
}

// readSegmentHeader parses and validates the fixed header of a segment file.
func readSegmentHeader(path string) (*segmentHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errors.CorruptionError("segment header truncated", path, err)
	}
	return parseSegmentHeader(buf, path)
}

func parseSegmentHeader(buf []byte, path string) (*segmentHeader, error) {
	if string(buf[0:4]) != segmentMagic {
		return nil, errors.CorruptionError("bad segment magic", path, nil)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != segmentVersion {
		return nil, errors.CorruptionError(
			fmt.Sprintf("unsupported segment version %d", version), path, nil)
	}
	return &segmentHeader{
		version:     version,
		compression: Compression(buf[6]),
		checksummed: buf[7]&flagChecksum != 0,
		entryCount:  binary.LittleEndian.Uint32(buf[8:12]),
		payloadSize: binary.LittleEndian.Uint64(buf[12:20]),
		crc32:       binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// readSegment loads, verifies, and decodes a full segment file.
func readSegment(path string) (*segmentHeader, []*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	if len(data) < headerSize {
		return nil, nil, errors.CorruptionError("segment file too short", path, nil)
	}

	hdr, err := parseSegmentHeader(data[:headerSize], path)
	if err != nil {
		return nil, nil, err
	}

	payload := data[headerSize:]
	if hdr.checksummed {
		if sum := crc32.ChecksumIEEE(payload); sum != hdr.crc32 {
			return nil, nil, errors.New(errors.ErrCodeChecksumFailed,
				fmt.Sprintf("segment checksum mismatch: stored %08x computed %08x", hdr.crc32, sum),
				nil).WithDetail("file", path)
		}
	}

	raw, err := decompressPayload(payload, hdr.compression, hdr.payloadSize)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(raw)) != hdr.payloadSize {
		return nil, nil, errors.CorruptionError(
			fmt.Sprintf("payload size mismatch: header %d actual %d", hdr.payloadSize, len(raw)),
			path, nil)
	}

	entries, err := decodeEntries(raw, int(hdr.entryCount))
	if err != nil {
		return nil, nil, err
	}
	return hdr, entries, nil
}
