// Package json provides pooled JSON encoding for the response hot path.
// Responses are encoded into a reusable buffer before the first byte is
// written, so an encoding failure never produces a torn body and the
// per-request allocation is amortized away.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// Marshal serializes v to JSON.
func Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal deserializes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return gojson.Unmarshal(data, v)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(r)
}

// WriteTo encodes v through a pooled buffer and writes the complete result
// to w. Nothing is written when encoding fails.
func WriteTo(w io.Writer, v any) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	if err := gojson.NewEncoder(buf).Encode(v); err != nil {
		return err
	}

	_, err := buf.WriteTo(w)
	return err
}
