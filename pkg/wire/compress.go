package wire

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the grpc-encoding name of the zstd compressor.
const CompressorName = "zstd"

// The encoder and decoder are shared: EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func init() {
	encoding.RegisterCompressor(compressor{})
}

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressor implements grpc/encoding.Compressor. gRPC hands it whole
// framed messages, so buffering the frame and using the one-shot
// EncodeAll/DecodeAll API avoids per-call goroutines.
type compressor struct{}

func (compressor) Name() string { return CompressorName }

func (compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, err
	}
	return &frameWriter{dst: w, enc: enc}, nil
}

func (compressor) Decompress(r io.Reader) (io.Reader, error) {
	_, dec, err := zstdCoders()
	if err != nil {
		return nil, err
	}
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

type frameWriter struct {
	dst io.Writer
	enc *zstd.Encoder
	buf bytes.Buffer
}

func (f *frameWriter) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *frameWriter) Close() error {
	_, err := f.dst.Write(f.enc.EncodeAll(f.buf.Bytes(), nil))
	return err
}
