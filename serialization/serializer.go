// Package serialization provides the pluggable value serialization used by
// checkpoint savers. A Serializer pairs a codec (JSON or MessagePack) with an
// optional compression layer, so stored checkpoint bytes never alias the
// in-memory representation of graph state.
package serialization

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes a single value.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// Name is the codec's type tag, stored alongside encoded bytes so a
	// reader can pick the matching codec.
	Name() string
}

// Compression selects the compression applied after encoding.
type Compression string

// Supported compression algorithms.
const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Serializer runs values through a codec and an optional compressor.
type Serializer struct {
	codec       Codec
	compression Compression
}

// New creates a serializer with the given codec and compression.
func New(codec Codec, compression Compression) *Serializer {
	if codec == nil {
		codec = JSONCodec{}
	}
	if compression == "" {
		compression = CompressionNone
	}
	return &Serializer{codec: codec, compression: compression}
}

// Default returns the serializer savers fall back to: JSON, uncompressed.
func Default() *Serializer {
	return New(JSONCodec{}, CompressionNone)
}

// Name returns the type tag identifying this serializer's wire format.
func (s *Serializer) Name() string {
	return fmt.Sprintf("%s+%s", s.codec.Name(), s.compression)
}

// Serialize encodes v with the codec and applies compression.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	data, err := s.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode failed: %w", err)
	}
	data, err = s.compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress failed: %w", err)
	}
	return data, nil
}

// Deserialize reverses Serialize into v, which must be a pointer.
func (s *Serializer) Deserialize(data []byte, v any) error {
	data, err := s.decompress(data)
	if err != nil {
		return fmt.Errorf("decompress failed: %w", err)
	}
	if err := s.codec.Decode(data, v); err != nil {
		return fmt.Errorf("decode failed: %w", err)
	}
	return nil
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	switch s.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func (s *Serializer) decompress(data []byte) ([]byte, error) {
	switch s.compression {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

// Decode implements Codec.
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// MsgpackCodec encodes values as MessagePack.
type MsgpackCodec struct{}

// Encode implements Codec.
func (MsgpackCodec) Encode(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Decode implements Codec.
func (MsgpackCodec) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Name implements Codec.
func (MsgpackCodec) Name() string { return "msgpack" }
