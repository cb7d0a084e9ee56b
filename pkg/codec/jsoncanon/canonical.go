// Package jsoncanon provides canonical JSON encoding helpers used to
// produce the exact byte sequence a Message's signature is computed over.
// encoding/json already serializes map[string]any with sorted keys, so
// canonicalization here only needs to go through that map form once.
package jsoncanon

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes v into canonical JSON: keys at every object level sorted,
// achieved by round-tripping through map[string]any.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalBytes(data)
}

// Unmarshal decodes JSON data into v. Provided alongside Marshal so callers
// need only import this package for both directions of a signed payload.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// CanonicalBytes re-encodes JSON data in canonical form.
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("jsoncanon: invalid JSON: %w", err)
	}
	return json.Marshal(v)
}

// EncodeForSigning marshals v to JSON, removes excludeFields from its
// top-level object, and re-encodes canonically. Used to compute the bytes
// a Message's signature is produced over and verified against, excluding
// the signature field itself.
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("jsoncanon: encode for signing: %w", err)
	}

	for _, field := range excludeFields {
		delete(m, field)
	}

	return json.Marshal(m)
}
