package xjson

import (
	stdjson "encoding/json"
	"io"

	gjson "github.com/goccy/go-json"
)

// Single import site for JSON so persisted documents, reports and graph files
// all go through goccy/go-json.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v interface{}) ([]byte, error) {
	return gjson.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}
