// Package manifest parses and emits package manifests.
//
// The primary wire form is a self-describing object notation (objects,
// arrays, strings, integers, booleans). A legacy document-markup dialect is
// accepted through a bridge that lifts it into the same representation;
// emission is always in the object notation.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Kind discriminates the value types the notation can carry.
type Kind uint8

const (
	Null Kind = iota
	Object
	Array
	String
	Int
	Bool
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	}
	return "???"
}

// Value is one node of a decoded document. Object fields keep their
// insertion order.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Bool   bool
	Fields []Field
	Elems  []Value
}

// Field is one key/value pair of an Object.
type Field struct {
	Key   string
	Value Value
}

// forceString renders any scalar as its string form, the way lenient
// manifest consumers expect ("version: 1" and "version: \"1\"" are the same
// package).
func (v *Value) forceString() string {
	switch v.Kind {
	case String:
		return v.Str
	case Int:
		return strconv.FormatInt(v.Int, 10)
	case Bool:
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return ""
}

// decodeDocument decodes buf as object notation. The root must be an
// object.
func decodeDocument(buf []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != Object {
		return Value{}, fmt.Errorf("document root is %v, not an object", v.Kind)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("trailing data after document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v := Value{Kind: Object}
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := ktok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T", ktok)
				}
				fv, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.Fields = append(v.Fields, Field{Key: key, Value: fv})
			}
			if _, err := dec.Token(); err != nil { // closing brace
				return Value{}, err
			}
			return v, nil
		case '[':
			v := Value{Kind: Array}
			for dec.More() {
				ev, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				v.Elems = append(v.Elems, ev)
			}
			if _, err := dec.Token(); err != nil { // closing bracket
				return Value{}, err
			}
			return v, nil
		}
	case string:
		return Value{Kind: String, Str: t}, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Value{Kind: Int, Int: n}, nil
		}
		// Not an integer; carry the literal as a string.
		return Value{Kind: String, Str: t.String()}, nil
	case bool:
		return Value{Kind: Bool, Bool: t}, nil
	case nil:
		return Value{Kind: Null}, nil
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}
