package diskq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// On-disk layout.
//
// Frame:
//
//	[Length: 4 bytes BE] [Record: Length bytes]
//
// Record:
//
//	[CRC32: 4 bytes LE] [ID: 8 bytes LE] [Flags: 1 byte] [Body: rest]
//
// The checksum covers everything after itself (ID, Flags, Body). Flags
// carries the compression codec; a compressed body is prefixed with the
// uncompressed length so decode can size its output buffer:
//
//	[UncompressedLen: 4 bytes LE] [Compressed bytes]
const (
	frameHeaderSize       = 4
	recordHeaderSize      = 13 // CRC (4) + ID (8) + Flags (1)
	compressionHeaderSize = 4
)

// recordFrameOverhead is the worst-case on-disk overhead per record.
// Compression only ever shrinks the body below the raw payload size.
const recordFrameOverhead = frameHeaderSize + recordHeaderSize

// frameLimit returns the largest valid frame length for the given payload
// limit. Anything above it in a length prefix indicates corruption.
func frameLimit(maxRecordSize uint64) uint32 {
	return uint32(maxRecordSize) + recordFrameOverhead
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
	})
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// encodeRecord appends one framed record to buf and returns its total
// on-disk size. The codec is a hint: if compression does not shrink the
// payload, the record is written uncompressed.
func encodeRecord(buf *bytes.Buffer, id uint64, payload []byte, codec Compression) (int, error) {
	body := payload
	flags := byte(CompressionNone)

	switch codec {
	case CompressionNone:
	case CompressionZstd:
		dst := make([]byte, compressionHeaderSize, compressionHeaderSize+len(payload))
		binary.LittleEndian.PutUint32(dst, uint32(len(payload)))
		dst = zstdEncoder().EncodeAll(payload, dst)
		if len(dst) < len(payload) {
			body = dst
			flags = byte(CompressionZstd)
		}
	case CompressionLZ4:
		dst := make([]byte, compressionHeaderSize+lz4.CompressBlockBound(len(payload)))
		binary.LittleEndian.PutUint32(dst, uint32(len(payload)))
		n, err := lz4.CompressBlock(payload, dst[compressionHeaderSize:], nil)
		if err != nil {
			return 0, fmt.Errorf("lz4 compression failed: %w", err)
		}
		// n == 0 means the block was incompressible.
		if n > 0 && compressionHeaderSize+n < len(payload) {
			body = dst[:compressionHeaderSize+n]
			flags = byte(CompressionLZ4)
		}
	default:
		return 0, fmt.Errorf("unknown compression codec: %d", codec)
	}

	recordLen := recordHeaderSize + len(body)

	var header [frameHeaderSize + recordHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(recordLen))
	binary.LittleEndian.PutUint64(header[8:16], id)
	header[16] = flags

	checksum := crc32.ChecksumIEEE(header[8:17])
	checksum = crc32.Update(checksum, crc32.IEEETable, body)
	binary.LittleEndian.PutUint32(header[4:8], checksum)

	buf.Write(header[:])
	buf.Write(body)

	return frameHeaderSize + recordLen, nil
}

// verifyRecord checks the record checksum and returns the record ID.
// rec is the frame body, after the length prefix.
func verifyRecord(rec []byte) (uint64, error) {
	if len(rec) < recordHeaderSize {
		return 0, fmt.Errorf("%w: record shorter than header", ErrInvalidFrame)
	}
	checksum := binary.LittleEndian.Uint32(rec[0:4])
	if crc32.ChecksumIEEE(rec[4:]) != checksum {
		return 0, ErrInvalidChecksum
	}
	return binary.LittleEndian.Uint64(rec[4:12]), nil
}

// decodeRecord validates rec and returns the record ID and the payload.
// The returned payload never aliases rec.
func decodeRecord(rec []byte) (uint64, []byte, error) {
	id, err := verifyRecord(rec)
	if err != nil {
		return 0, nil, err
	}

	flags := Compression(rec[12])
	body := rec[recordHeaderSize:]

	switch flags {
	case CompressionNone:
		return id, append([]byte{}, body...), nil
	case CompressionZstd:
		raw, n, err := splitCompressedBody(body)
		if err != nil {
			return 0, nil, err
		}
		payload, err := zstdDecoder().DecodeAll(raw, make([]byte, 0, n))
		if err != nil {
			return 0, nil, fmt.Errorf("%w: zstd decode: %w", ErrInvalidFrame, err)
		}
		if uint32(len(payload)) != n {
			return 0, nil, fmt.Errorf("%w: zstd decode returned %d bytes, want %d", ErrInvalidFrame, len(payload), n)
		}
		return id, payload, nil
	case CompressionLZ4:
		raw, n, err := splitCompressedBody(body)
		if err != nil {
			return 0, nil, err
		}
		payload := make([]byte, n)
		m, err := lz4.UncompressBlock(raw, payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: lz4 decode: %w", ErrInvalidFrame, err)
		}
		if uint32(m) != n {
			return 0, nil, fmt.Errorf("%w: lz4 decode returned %d bytes, want %d", ErrInvalidFrame, m, n)
		}
		return id, payload[:m], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown compression codec %d", ErrInvalidFrame, flags)
	}
}

func splitCompressedBody(body []byte) ([]byte, uint32, error) {
	if len(body) < compressionHeaderSize {
		return nil, 0, fmt.Errorf("%w: compressed body shorter than header", ErrInvalidFrame)
	}
	n := binary.LittleEndian.Uint32(body)
	return body[compressionHeaderSize:], n, nil
}
