package backup

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to a snapshot body.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecGzip   Codec = "gzip"
	CodecSnappy Codec = "snappy"
	CodecLZ4    Codec = "lz4"
	CodecZstd   Codec = "zstd"
)

// DefaultCodec is used when the configuration leaves the codec empty.
const DefaultCodec = CodecZstd

var codecExtensions = map[Codec]string{
	CodecNone:   "json",
	CodecGzip:   "json.gz",
	CodecSnappy: "json.sz",
	CodecLZ4:    "json.lz4",
	CodecZstd:   "json.zst",
}

var codecContentTypes = map[Codec]string{
	CodecNone:   "application/json",
	CodecGzip:   "application/gzip",
	CodecSnappy: "application/x-snappy",
	CodecLZ4:    "application/x-lz4",
	CodecZstd:   "application/zstd",
}

// ParseCodec parses a codec name. The empty string selects DefaultCodec.
func ParseCodec(s string) (Codec, error) {
	if s == "" {
		return DefaultCodec, nil
	}
	c := Codec(s)
	if _, ok := codecExtensions[c]; !ok {
		return "", fmt.Errorf("backup: unknown codec %q", s)
	}
	return c, nil
}

// Extension returns the object key suffix for the codec.
func (c Codec) Extension() string {
	return codecExtensions[c]
}

// ContentType returns the MIME type stored with the object.
func (c Codec) ContentType() string {
	return codecContentTypes[c]
}

// codecForExtension maps an object key suffix back to its codec.
func codecForExtension(ext string) (Codec, bool) {
	for c, e := range codecExtensions {
		if e == ext {
			return c, true
		}
	}
	return "", false
}

func (c Codec) encode(data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil

	case CodecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return buf.Bytes(), nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil

	case CodecZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("backup: unsupported codec %q", c)
	}
}

func (c Codec) decode(data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil

	case CodecGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case CodecSnappy:
		return snappy.Decode(nil, data)

	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case CodecZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		return io.ReadAll(decoder)

	default:
		return nil, fmt.Errorf("backup: unsupported codec %q", c)
	}
}
