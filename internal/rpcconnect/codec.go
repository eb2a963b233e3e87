package rpcconnect

import "encoding/json"

// Codec serializes worker messages as JSON. Registering it under the
// name "json" replaces connect's protobuf-only JSON codec, so plain Go
// structs can travel as Connect messages.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
