package mq

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the content-encoding set on compressed publishings.
const EncodingZstd = "zstd"

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// Cannot fail with valid options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder
}

// Compress zstd-encodes body.
func Compress(body []byte) []byte {
	return zstdEncoder().EncodeAll(body, make([]byte, 0, len(body)/2))
}

// Decompress reverses Compress according to the message content-encoding.
// Bodies without an encoding are returned unchanged.
func Decompress(contentEncoding string, body []byte) ([]byte, error) {
	switch contentEncoding {
	case "", "identity":
		return body, nil
	case EncodingZstd:
		out, err := zstdDecoder().DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}
