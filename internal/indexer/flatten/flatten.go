package flatten

import (
	"math"
	"strconv"
	"strings"
	"unsafe"
)

// Flattener turns values into indexable text. It reuses one scratch buffer
// across calls and must not be shared between goroutines.
type Flattener struct {
	buf []byte
}

// Flatten returns the text to index for v, or false when v holds nothing
// indexable. A top-level string is returned as is; other shapes are rendered
// into the scratch buffer:
//
//	[a, b]        -> "a. b. "
//	{"k": v, ...} -> "k: v. ..."
//
// Elements and entries that are not indexable are left out, and a composite
// with no indexable member is not indexable itself.
//
// Rendered text aliases the scratch buffer: it is only valid until the next
// call to Flatten.
func (f *Flattener) Flatten(v Value) (string, bool) {
	if v.kind == String {
		return v.text, v.text != ""
	}
	f.buf = f.buf[:0]
	var ok bool
	f.buf, ok = appendValue(f.buf, v)
	if !ok || len(f.buf) == 0 {
		return "", false
	}
	return unsafe.String(unsafe.SliceData(f.buf), len(f.buf)), true
}

func appendValue(dst []byte, v Value) ([]byte, bool) {
	switch v.kind {
	case Bool:
		return strconv.AppendBool(dst, v.boolean), true
	case Number:
		return appendNumber(dst, v.text), true
	case String:
		return append(dst, v.text...), true
	case Array:
		count := 0
		for _, item := range v.items {
			mark := len(dst)
			var ok bool
			if dst, ok = appendValue(dst, item); !ok {
				dst = dst[:mark]
				continue
			}
			dst = append(dst, ". "...)
			count++
		}
		return dst, count != 0
	case Object:
		count := 0
		for _, e := range v.entries {
			mark := len(dst)
			dst = append(dst, e.Key...)
			dst = append(dst, ": "...)
			var ok bool
			if dst, ok = appendValue(dst, e.Value); !ok {
				// the key is only kept once its value is known to be written
				dst = dst[:mark]
				continue
			}
			dst = append(dst, ". "...)
			count++
		}
		return dst, count != 0
	default:
		return dst, false
	}
}

// appendNumber writes the canonical text of a JSON number literal. Integers
// that fit 64 bits keep their integer form; everything else goes through
// float64 and is printed in shortest round-trip form. Negative zero is a
// float.
func appendNumber(dst []byte, literal string) []byte {
	if !strings.ContainsAny(literal, ".eE") && literal != "-0" {
		if n, err := strconv.ParseInt(literal, 10, 64); err == nil {
			return strconv.AppendInt(dst, n, 10)
		}
		if n, err := strconv.ParseUint(literal, 10, 64); err == nil {
			return strconv.AppendUint(dst, n, 10)
		}
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return append(dst, literal...)
	}
	return appendFloat(dst, f)
}

func appendFloat(dst []byte, f float64) []byte {
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e16 || abs < 1e-5) {
		mark := len(dst)
		dst = strconv.AppendFloat(dst, f, 'e', -1, 64)
		return tidyExponent(dst, mark)
	}
	mark := len(dst)
	dst = strconv.AppendFloat(dst, f, 'f', -1, 64)
	for _, c := range dst[mark:] {
		if c == '.' {
			return dst
		}
	}
	return append(dst, ".0"...)
}

// tidyExponent rewrites Go's "1e+21" / "1.5e-07" exponent into "1e21" /
// "1.5e-7" for the number that starts at dst[mark].
func tidyExponent(dst []byte, mark int) []byte {
	e := strings.IndexByte(string(dst[mark:]), 'e')
	if e < 0 {
		return dst
	}
	e += mark
	exp := dst[e+1:]
	neg := false
	switch exp[0] {
	case '+':
		exp = exp[1:]
	case '-':
		neg = true
		exp = exp[1:]
	}
	for len(exp) > 1 && exp[0] == '0' {
		exp = exp[1:]
	}
	digits := string(exp)
	dst = dst[:e+1]
	if neg {
		dst = append(dst, '-')
	}
	return append(dst, digits...)
}
