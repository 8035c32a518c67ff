// Package jsonx holds the strict JSON decoding helper shared by consumers
// of user-authored JSON documents.
package jsonx

import (
	"encoding/json"
	"errors"
	"io"
)

// ErrTrailingContent reports input that continues after the first JSON value.
var ErrTrailingContent = errors.New("jsonx: trailing content after JSON value")

// ParseJSONObject decodes exactly one JSON value from src into dst.
//
// - Malformed JSON (bad tokens, empty/unterminated/truncated) => *json.SyntaxError, io.EOF, io.ErrUnexpectedEOF
// - Incorrect data type (field/value mismatch) => *json.UnmarshalTypeError
// - Unknown object fields => error("json: unknown field \"...\"") from encoding/json (no dedicated error type)
// - Anything after the first value => ErrTrailingContent
func ParseJSONObject[T any](src io.Reader, dst *T) error {
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	// Try to decode another JSON value; extra syntax is rejected.
	if dec.Decode(&struct{}{}) != io.EOF {
		return ErrTrailingContent
	}

	return nil
}
