// Package redact wraps sensitive strings so they cannot leak through logs,
// error messages or serialized configuration.
package redact

import (
	"encoding/json"
	"fmt"
)

// String holds a secret value. Every formatting path (fmt verbs, JSON
// marshaling) yields a fixed-shape placeholder; Expose is the only way to
// read the raw value.
type String struct {
	value string
}

// New wraps a raw secret value.
func New(value string) String {
	return String{value: value}
}

// Expose returns the raw secret value. Call sites are easy to audit by name.
func (s String) Expose() string {
	return s.value
}

// IsZero reports whether the wrapped value is empty.
func (s String) IsZero() bool {
	return s.value == ""
}

func (s String) placeholder() string {
	return fmt.Sprintf("<REDACTED, length %d>", len(s.value))
}

// String implements fmt.Stringer with the redaction placeholder.
func (s String) String() string {
	return s.placeholder()
}

// GoString keeps %#v output redacted.
func (s String) GoString() string {
	return s.placeholder()
}

// MarshalJSON serializes the redaction placeholder, never the raw value.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.placeholder())
}

// UnmarshalJSON accepts a plain JSON string as the secret value.
func (s *String) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.value = raw
	return nil
}
