package weave

import (
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// maxPayloadSize bounds the decoded size of a container payload.
const maxPayloadSize = 1 << 30

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		// EncodeAll and DecodeAll are safe for concurrent use on a shared codec
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(maxPayloadSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// ZstdCompress appends the zstd compressed form of data to dst.
func ZstdCompress(dst, data []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, dst), nil
}

// ZstdDecompress appends the decompressed form of zstd data to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data, dst)
}

// SnappyCompress compresses method snapshots, which favor speed over ratio.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappy(dst, data)
}

// SnappyDecompress decodes data produced by SnappyCompress.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}
