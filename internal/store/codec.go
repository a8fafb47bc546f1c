package store

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Snapshot and delta blobs are CBOR with Core Deterministic Encoding
// (RFC 8949 section 4.2), compressed with zstd. The same logical snapshot
// always produces identical bytes, so unchanged rows compare equal.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep sub-second precision on snapshot timestamps.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob serializes v to compressed CBOR.
func encodeBlob(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(blob []byte, v any) error {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
