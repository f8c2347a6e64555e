package wiremessage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
)

// CompressorID identifies a negotiated wire compressor.
type CompressorID byte

// Recognized compressor ids, fixed by the wire protocol (they do not depend
// on the order of the "compression" array negotiated during handshake).
const (
	CompressorNoop    CompressorID = 0
	CompressorSnappy  CompressorID = 1
	CompressorZlib    CompressorID = 2
	CompressorZstd    CompressorID = 3
)

// Compressor compresses and decompresses OP_COMPRESSED payloads.
type Compressor interface {
	ID() CompressorID
	Name() string
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte, uncompressedSize int32) ([]byte, error)
}

// SnappyCompressor wraps github.com/golang/snappy.
type SnappyCompressor struct{}

// ID implements Compressor.
func (SnappyCompressor) ID() CompressorID { return CompressorSnappy }

// Name implements Compressor.
func (SnappyCompressor) Name() string { return "snappy" }

// Compress implements Compressor.
func (SnappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}

// Decompress implements Compressor.
func (SnappyCompressor) Decompress(dst, src []byte, uncompressedSize int32) ([]byte, error) {
	if cap(dst) < int(uncompressedSize) {
		dst = make([]byte, uncompressedSize)
	}
	return snappy.Decode(dst[:uncompressedSize], src)
}

// ZlibCompressor wraps github.com/klauspost/compress/zlib, a drop-in,
// faster replacement for the standard library's zlib reader/writer pair.
type ZlibCompressor struct {
	// Level is the zlib compression level; 0 selects the package default.
	Level int
}

// ID implements Compressor.
func (ZlibCompressor) ID() CompressorID { return CompressorZlib }

// Name implements Compressor.
func (ZlibCompressor) Name() string { return "zlib" }

// Compress implements Compressor.
func (z ZlibCompressor) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := z.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append(dst, buf.Bytes()...), nil
}

// Decompress implements Compressor.
func (ZlibCompressor) Decompress(dst, src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if cap(dst) < int(uncompressedSize) {
		dst = make([]byte, 0, uncompressedSize)
	}
	buf := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compressed is an OP_COMPRESSED frame wrapping a compressed OP_MSG or
// OP_QUERY body.
type Compressed struct {
	Header            Header
	OriginalOpCode    OpCode
	UncompressedSize  int32
	CompressorID      CompressorID
	CompressedMessage []byte
}

// Append encodes c onto dst.
func (c Compressed) Append(dst []byte) ([]byte, error) {
	start := len(dst)
	c.Header.OpCode = OpCompressed
	dst = c.Header.AppendHeader(dst)
	dst = appendInt32(dst, int32(c.OriginalOpCode))
	dst = appendInt32(dst, c.UncompressedSize)
	dst = append(dst, byte(c.CompressorID))
	dst = append(dst, c.CompressedMessage...)
	putInt32(dst[start:], int32(len(dst)-start))
	return dst, nil
}

// ReadCompressed decodes an OP_COMPRESSED frame, including the header, from b.
func ReadCompressed(b []byte) (Compressed, error) {
	hdr, err := ReadHeader(b, 0)
	if err != nil {
		return Compressed{}, err
	}
	if hdr.OpCode != OpCompressed {
		return Compressed{}, fmt.Errorf("wiremessage: expected OP_COMPRESSED, got %s", hdr.OpCode)
	}

	pos := int32(headerLen)
	c := Compressed{Header: hdr}
	c.OriginalOpCode = OpCode(readInt32(b, pos))
	pos += 4
	c.UncompressedSize = readInt32(b, pos)
	pos += 4
	c.CompressorID = CompressorID(b[pos])
	pos++
	c.CompressedMessage = b[pos:]

	return c, nil
}

// Uncompress rebuilds the original frame bytes (header + body) that were
// wrapped by c, using compressor to invert the compression.
func (c Compressed) Uncompress(compressor Compressor) ([]byte, error) {
	if compressor == nil || compressor.ID() != c.CompressorID {
		return nil, fmt.Errorf("wiremessage: no compressor registered for id %d", c.CompressorID)
	}
	body, err := compressor.Decompress(nil, c.CompressedMessage, c.UncompressedSize)
	if err != nil {
		return nil, err
	}

	full := make([]byte, 0, headerLen+len(body))
	origHeader := Header{
		MessageLength: int32(headerLen + len(body)),
		RequestID:     c.Header.RequestID,
		ResponseTo:    c.Header.ResponseTo,
		OpCode:        c.OriginalOpCode,
	}
	full = origHeader.AppendHeader(full)
	full = append(full, body...)
	return full, nil
}
