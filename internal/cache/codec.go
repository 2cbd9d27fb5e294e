// Cache value codec: JSON body with optional snappy compression.
package cache

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/snappy"
)

// Wire format: one header byte discriminating the encoding, then the payload.
// Whole-value replacement semantics mean no versioning beyond this byte.
const (
	encodingRaw    byte = 0x00
	encodingSnappy byte = 0x01
)

// codec serializes cache values. Values whose JSON form exceeds threshold
// bytes are snappy-compressed; threshold 0 disables compression.
type codec struct {
	threshold int
}

func (c codec) encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value: %w", err)
	}

	if c.threshold > 0 && len(body) > c.threshold {
		compressed := snappy.Encode(nil, body)
		out := make([]byte, 0, len(compressed)+1)
		out = append(out, encodingSnappy)
		return append(out, compressed...), nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, encodingRaw)
	return append(out, body...), nil
}

func (c codec) decode(data []byte, dest any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty cache value")
	}

	body := data[1:]
	switch data[0] {
	case encodingRaw:
	case encodingSnappy:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("decompress cache value: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("unknown cache encoding 0x%02x", data[0])
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("unmarshal cache value: %w", err)
	}
	return nil
}
