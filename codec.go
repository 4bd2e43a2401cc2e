package gossipstate

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes state for the envelope payload. Every node of a namespace
// must use the same codec, since signatures cover the encoded bytes.
type Codec[S any] interface {
	Marshal(state S) ([]byte, error)
	Unmarshal(data []byte) (S, error)
}

// StringCodec encodes strings as raw bytes.
type StringCodec struct{}

func (StringCodec) Marshal(state string) ([]byte, error) {
	return []byte(state), nil
}

func (StringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

// GobCodec uses encoding/gob. It is the default and only interoperates
// with Go peers.
type GobCodec[S any] struct{}

func (GobCodec[S]) Marshal(state S) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[S]) Unmarshal(data []byte) (S, error) {
	var state S
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state)
	return state, err
}

// JSONCodec encodes state as JSON, convenient for map[string]any states
// and non-Go peers.
type JSONCodec[S any] struct{}

func (JSONCodec[S]) Marshal(state S) ([]byte, error) {
	return json.Marshal(state)
}

func (JSONCodec[S]) Unmarshal(data []byte) (S, error) {
	var state S
	err := json.Unmarshal(data, &state)
	return state, err
}

// CBORCodec encodes state as canonical CBOR, so equal states always produce
// equal payloads.
type CBORCodec[S any] struct{}

var cborEnc = mustCBOREncMode()

func mustCBOREncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gossipstate: cbor encode mode: %v", err))
	}
	return mode
}

func (CBORCodec[S]) Marshal(state S) ([]byte, error) {
	return cborEnc.Marshal(state)
}

func (CBORCodec[S]) Unmarshal(data []byte) (S, error) {
	var state S
	err := cbor.Unmarshal(data, &state)
	return state, err
}
