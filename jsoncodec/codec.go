// Package jsoncodec provides the optional JSON body codec used by the
// client engine's AutoJSON option. It is kept as its own small interface
// so embedders can swap in a faster or schema-validating implementation
// without touching the engine.
package jsoncodec

import "encoding/json"

// Codec encodes and decodes frame bodies for the "application/json"
// content type.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

type stdCodec struct{}

// Default returns a Codec backed by encoding/json. STOMP message bodies
// are small, self-contained values (no streaming, no schema); the standard
// library's Marshal/Unmarshal is the idiomatic and sufficient choice here.
func Default() Codec {
	return stdCodec{}
}

func (stdCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (stdCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
