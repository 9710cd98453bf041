package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Encoding string

const (
	EncodingCBOR Encoding = "cbor"
	EncodingJSON Encoding = "json"
)

func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case EncodingCBOR, "":
		return EncodingCBOR, nil
	case EncodingJSON:
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown encoding: %q", name)
	}
}

func (e Encoding) ContentType() string {
	if e == EncodingJSON {
		return "application/json"
	}
	return "application/cbor"
}

// Core deterministic encoding: the same request always yields the same bytes.
var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
}

func (e Encoding) Marshal(v any) ([]byte, error) {
	switch e {
	case EncodingJSON:
		return json.Marshal(v)
	case EncodingCBOR:
		return cborEnc.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", e)
	}
}

func (e Encoding) Unmarshal(data []byte, v any) error {
	switch e {
	case EncodingJSON:
		return json.Unmarshal(data, v)
	case EncodingCBOR:
		return cbor.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported encoding: %q", e)
	}
}

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case CompressionNone, "":
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd, CompressionLZ4:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression: %q", name)
	}
}

// ContentEncoding returns the Content-Encoding header value, empty for none.
func (c Compression) ContentEncoding() string {
	if c == CompressionNone {
		return ""
	}
	return string(c)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

func (c Compression) Compress(data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

func (c Compression) Decompress(data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)

	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}
