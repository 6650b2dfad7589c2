// Package flatten reduces semi-structured field values to a single
// indexable string.
package flatten

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a decoded JSON value. Object entries keep the order in which they
// were stored.
type Value struct {
	kind    Kind
	boolean bool
	text    string // number literal or string contents
	items   []Value
	entries []Entry
}

// Entry is one key/value pair of an object.
type Entry struct {
	Key   string
	Value Value
}

func NullValue() Value                 { return Value{kind: Null} }
func BoolValue(b bool) Value           { return Value{kind: Bool, boolean: b} }
func NumberValue(literal string) Value { return Value{kind: Number, text: literal} }
func StringValue(s string) Value       { return Value{kind: String, text: s} }
func ArrayValue(items ...Value) Value  { return Value{kind: Array, items: items} }
func ObjectValue(entries ...Entry) Value {
	return Value{kind: Object, entries: entries}
}

func (v Value) Kind() Kind { return v.kind }

var parserConfig = jsoniter.Config{UseNumber: true}.Froze()

// Parse decodes exactly one JSON value from raw. Input that is not valid
// UTF-8, number literals outside the JSON grammar and unpaired surrogate
// escapes are rejected.
func Parse(raw []byte) (Value, error) {
	if !utf8.Valid(raw) {
		return Value{}, errors.New("decoding json value: invalid UTF-8")
	}
	if err := checkSurrogates(raw); err != nil {
		return Value{}, err
	}
	it := jsoniter.ParseBytes(parserConfig, raw)
	v, err := readValue(it)
	if err != nil {
		return Value{}, err
	}
	if it.Error != nil && it.Error != io.EOF {
		return Value{}, fmt.Errorf("decoding json value: %w", it.Error)
	}
	if next := it.WhatIsNext(); next != jsoniter.InvalidValue || it.Error == nil {
		return Value{}, fmt.Errorf("decoding json value: trailing data after %s", v.kind)
	}
	return v, nil
}

func readValue(it *jsoniter.Iterator) (Value, error) {
	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return NullValue(), nil
	case jsoniter.BoolValue:
		return BoolValue(it.ReadBool()), nil
	case jsoniter.NumberValue:
		literal := string(it.ReadNumber())
		if !validNumber(literal) {
			return Value{}, fmt.Errorf("decoding json number: invalid literal %q", literal)
		}
		if _, err := strconv.ParseFloat(literal, 64); err != nil {
			return Value{}, fmt.Errorf("decoding json number: %q out of range", literal)
		}
		return NumberValue(literal), nil
	case jsoniter.StringValue:
		return StringValue(it.ReadString()), nil
	case jsoniter.ArrayValue:
		var (
			items []Value
			err   error
		)
		ok := it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			var item Value
			if item, err = readValue(it); err != nil {
				return false
			}
			items = append(items, item)
			return true
		})
		if err != nil {
			return Value{}, err
		}
		if !ok {
			return Value{}, iteratorError(it, "array")
		}
		return ArrayValue(items...), nil
	case jsoniter.ObjectValue:
		var (
			entries []Entry
			err     error
		)
		ok := it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
			var v Value
			if v, err = readValue(it); err != nil {
				return false
			}
			entries = append(entries, Entry{Key: key, Value: v})
			return true
		})
		if err != nil {
			return Value{}, err
		}
		if !ok {
			return Value{}, iteratorError(it, "object")
		}
		return ObjectValue(entries...), nil
	default:
		return Value{}, iteratorError(it, "value")
	}
}

func iteratorError(it *jsoniter.Iterator, what string) error {
	if it.Error != nil && it.Error != io.EOF {
		return fmt.Errorf("decoding json %s: %w", what, it.Error)
	}
	return fmt.Errorf("decoding json %s: unexpected end of input", what)
}

// validNumber reports whether s matches the JSON number grammar
// -?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?
func validNumber(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	switch {
	case i < len(s) && s[i] == '0':
		i++
	case i < len(s) && s[i] >= '1' && s[i] <= '9':
		i = skipDigits(s, i)
	default:
		return false
	}
	if i < len(s) && s[i] == '.' {
		j := skipDigits(s, i+1)
		if j == i+1 {
			return false
		}
		i = j
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		j := skipDigits(s, i)
		if j == i {
			return false
		}
		i = j
	}
	return i == len(s)
}

func skipDigits(s string, i int) int {
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}

// checkSurrogates rejects \u escapes that encode half of a surrogate pair
// without the other half. The decoder would otherwise replace them with
// U+FFFD.
func checkSurrogates(raw []byte) error {
	inString := false
	pendingHigh := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			continue
		}
		if c != '\\' {
			if pendingHigh {
				return errors.New("decoding json string: unpaired surrogate escape")
			}
			if c == '"' {
				inString = false
			}
			continue
		}
		if i+1 >= len(raw) {
			return nil
		}
		i++
		if raw[i] != 'u' {
			if pendingHigh {
				return errors.New("decoding json string: unpaired surrogate escape")
			}
			continue
		}
		r, ok := hex4(raw[i+1:])
		if !ok {
			// malformed escapes are reported by the decoder
			return nil
		}
		i += 4
		switch {
		case r >= 0xD800 && r <= 0xDBFF:
			if pendingHigh {
				return errors.New("decoding json string: unpaired surrogate escape")
			}
			pendingHigh = true
		case r >= 0xDC00 && r <= 0xDFFF:
			if !pendingHigh {
				return errors.New("decoding json string: unpaired surrogate escape")
			}
			pendingHigh = false
		default:
			if pendingHigh {
				return errors.New("decoding json string: unpaired surrogate escape")
			}
		}
	}
	return nil
}

func hex4(b []byte) (rune, bool) {
	if len(b) < 4 {
		return 0, false
	}
	var r rune
	for _, c := range b[:4] {
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r |= rune(c - '0')
		case c >= 'a' && c <= 'f':
			r |= rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			r |= rune(c-'A') + 10
		default:
			return 0, false
		}
	}
	return r, true
}
