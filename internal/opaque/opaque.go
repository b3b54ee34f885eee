// Package opaque carries model-provided JSON payloads (reasoning traces,
// provider-specific blocks) that must be echoed back to the provider
// exactly as received.
//
// A [Value] records which JSON kind it holds and the payload bytes in
// compact form. encoding/json compacts marshaler output, so keeping the
// compact form is what makes a round trip return identical bytes.
package opaque

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the JSON kind held by a [Value].
type Kind uint8

const (
	// Absent means no value was supplied. It is the zero Kind and is
	// dropped from output by omitzero struct fields.
	Absent Kind = iota
	Null
	String
	Int
	Double
	Bool
	Object
	Array
)

var kindNames = [...]string{"absent", "null", "string", "int", "double", "bool", "object", "array"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a closed sum over the JSON kinds plus Absent. The zero
// Value is Absent.
type Value struct {
	kind Kind
	raw  []byte
}

// Parse classifies raw JSON and returns a Value holding a private
// compact copy of the bytes. Insignificant whitespace is dropped;
// member order, number spelling and string escapes are kept.
func Parse(raw []byte) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return Value{}, fmt.Errorf("opaque: invalid JSON payload (%d bytes): %w", len(trimmed), err)
	}
	b := buf.Bytes()
	return Value{kind: classify(b), raw: b}, nil
}

// MustParse is Parse for payloads known to be valid, such as literals
// in tests. It panics on invalid JSON.
func MustParse(raw string) Value {
	v, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return v
}

// FromString returns a String value encoding s.
func FromString(s string) Value {
	b, _ := json.Marshal(s)
	return Value{kind: String, raw: b}
}

func classify(b []byte) Kind {
	switch b[0] {
	case 'n':
		return Null
	case 't', 'f':
		return Bool
	case '"':
		return String
	case '{':
		return Object
	case '[':
		return Array
	}
	if bytes.ContainsAny(b, ".eE") {
		return Double
	}
	return Int
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is Absent.
func (v Value) IsZero() bool { return v.kind == Absent }

// Raw returns the original bytes. It is nil for Absent. Callers must
// not modify the returned slice.
func (v Value) Raw() json.RawMessage { return v.raw }

// Text returns the decoded string for a String value and "" otherwise.
func (v Value) Text() string {
	if v.kind != String {
		return ""
	}
	var s string
	_ = json.Unmarshal(v.raw, &s)
	return s
}

// Elements splits an Array value into its elements, each still in its
// original encoding. It returns nil for any other kind.
func (v Value) Elements() []json.RawMessage {
	if v.kind != Array {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(v.raw, &elems); err != nil {
		return nil
	}
	return elems
}

// Equal reports whether v and o hold the same kind and bytes.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && bytes.Equal(v.raw, o.raw)
}

// MarshalJSON emits the original bytes. Absent encodes as null; struct
// fields should use omitzero to drop it instead.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == Absent {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON records the payload without interpreting it.
func (v *Value) UnmarshalJSON(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
