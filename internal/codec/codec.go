// Package codec encodes event payloads, snapshot state and KV entries.
package codec

import (
	"bytes"
	"encoding/json"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Default is the codec used for everything the runtime persists.
var Default Codec = JSONCodec{}

// JSONCodec writes compact JSON. Unmarshal keeps numbers as json.Number when
// decoding into interfaces so 64 bit ids survive a round trip.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
