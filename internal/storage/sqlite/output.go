package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Output blobs are zstd-compressed JSON. The encoder and decoder are safe
// for concurrent EncodeAll/DecodeAll calls.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

type outputBlob struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func compressOutput(stdout, stderr string) ([]byte, error) {
	data, err := json.Marshal(outputBlob{Stdout: stdout, Stderr: stderr})
	if err != nil {
		return nil, fmt.Errorf("marshaling output: %w", err)
	}
	return encoder.EncodeAll(data, nil), nil
}

func decompressOutput(blob []byte) (outputBlob, error) {
	var out outputBlob
	data, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return out, fmt.Errorf("decompressing output: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshaling output: %w", err)
	}
	return out, nil
}
