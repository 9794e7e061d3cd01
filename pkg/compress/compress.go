// Package compress implements the pluggable payload compressor list the
// optimizer's re-compression pass iterates over.
// Each Compressor has a stable ID persisted in the record's payload buffer
// header so a decompressor can be selected without re-configuration.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ID identifies a compressor algorithm. Zero means "stored uncompressed".
type ID uint8

const (
	None ID = iota
	Zlib
	Zstd
	LZ4

	// MaxCompressors bounds the configured re-compression list.
	MaxCompressors = 8
)

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Compressor packs and unpacks payload bytes at a named "best" level.
type Compressor interface {
	ID() ID
	// Pack compresses src at the compressor's best level.
	Pack(src []byte) ([]byte, error)
	// Unpack restores the original bytes given the uncompressed size.
	Unpack(src []byte, uncompressedSize int) ([]byte, error)
}

// ParseID maps a configuration-file name to an ID; used when building the
// optimizer's compressor list from config.
func ParseID(name string) (ID, bool) {
	switch name {
	case "zlib":
		return Zlib, true
	case "zstd":
		return Zstd, true
	case "lz4":
		return LZ4, true
	case "none", "":
		return None, true
	default:
		return 0, false
	}
}

// New returns the Compressor implementation for an ID; None has no
// implementation since it is never invoked (records with None payloads are
// skipped by the re-compression pass's size check only incidentally — they
// have an empty original compressor, not a compressor to run).
func New(id ID) (Compressor, error) {
	switch id {
	case Zlib:
		return zlibCompressor{}, nil
	case Zstd:
		return zstdCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("compress: no implementation for id %d", id)
	}
}

type zlibCompressor struct{}

func (zlibCompressor) ID() ID { return Zlib }

func (zlibCompressor) Pack(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Unpack(src []byte, uncompressedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct{}

func (zstdCompressor) ID() ID { return Zstd }

func (zstdCompressor) Pack(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

func (zstdCompressor) Unpack(src []byte, uncompressedSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
}

type lz4Compressor struct{}

func (lz4Compressor) ID() ID { return LZ4 }

func (lz4Compressor) Pack(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Unpack(src []byte, uncompressedSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// List is an ordered, bounded set of compressors the optimizer tries in
// order during a re-compression pass, keeping the smallest output strictly
// smaller than the record's current compressed size.
type List struct {
	compressors []Compressor
}

// NewList builds a List from configured IDs, truncating to MaxCompressors.
func NewList(ids []ID) (*List, error) {
	if len(ids) > MaxCompressors {
		ids = ids[:MaxCompressors]
	}
	l := &List{}
	for _, id := range ids {
		c, err := New(id)
		if err != nil {
			return nil, err
		}
		l.compressors = append(l.compressors, c)
	}
	return l, nil
}

// Best tries every compressor in order and returns the smallest result
// strictly smaller than currentSize, along with its ID. ok is false if none
// beat currentSize.
func (l *List) Best(src []byte, currentSize int) (out []byte, id ID, ok bool) {
	bestSize := currentSize
	for _, c := range l.compressors {
		packed, err := c.Pack(src)
		if err != nil {
			continue
		}
		if len(packed) < bestSize {
			out, id, ok = packed, c.ID(), true
			bestSize = len(packed)
		}
	}
	return out, id, ok
}

// Unpack decompresses src using the named algorithm; None returns src
// unchanged.
func Unpack(id ID, src []byte, uncompressedSize int) ([]byte, error) {
	if id == None {
		return src, nil
	}
	c, err := New(id)
	if err != nil {
		return nil, err
	}
	return c.Unpack(src, uncompressedSize)
}
