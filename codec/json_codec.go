package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes values with encoding/json. Numbers decoded into an
// interface come back as json.Number so large integers keep their value.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode reads exactly one JSON value; anything after it is an error.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("json: trailing data after value")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
