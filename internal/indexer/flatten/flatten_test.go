package flatten

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flattenJSON(t *testing.T, f *Flattener, raw string) (string, bool) {
	t.Helper()
	v, err := Parse([]byte(raw))
	require.NoError(t, err, "parsing %s", raw)
	return f.Flatten(v)
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"null", `null`, "", false},
		{"true", `true`, "true", true},
		{"false", `false`, "false", true},
		{"integer", `42`, "42", true},
		{"negative integer", `-7`, "-7", true},
		{"negative zero", `-0`, "-0.0", true},
		{"zero", `0`, "0", true},
		{"negative zero float", `-0.0`, "-0.0", true},
		{"large unsigned", `18446744073709551615`, "18446744073709551615", true},
		{"float", `3.25`, "3.25", true},
		{"integral float", `1.0`, "1.0", true},
		{"exponent", `1e2`, "100.0", true},
		{"big exponent", `1e21`, "1e21", true},
		{"small exponent", `0.00000015`, "1.5e-7", true},
		{"string", `"hello world"`, "hello world", true},
		{"empty string", `""`, "", false},
		{"array", `["a", "b"]`, "a. b. ", true},
		{"array skips null", `[null, "a", null]`, "a. ", true},
		{"array of nulls", `[null, null]`, "", false},
		{"empty array", `[]`, "", false},
		{"nested empty arrays", `[[], [[]]]`, "", false},
		{"array keeps empty strings", `[""]`, ". ", true},
		{"object", `{"title": "Dune", "year": 1965}`, "title: Dune. year: 1965. ", true},
		{"object keeps stored order", `{"z": 1, "a": 2}`, "z: 1. a: 2. ", true},
		{"object skips null members", `{"a": null, "b": "x", "c": {}}`, "b: x. ", true},
		{"empty object", `{}`, "", false},
		{"object of empties", `{"a": [], "b": {"c": null}}`, "", false},
		{"nested", `{"tags": ["sf", "classic"], "meta": {"pages": 412}}`,
			"tags: sf. classic. . meta: pages: 412. . ", true},
		{"array of objects", `[{"a": 1}, {"b": null}, {"c": true}]`, "a: 1. . c: true. . ", true},
	}

	var f Flattener
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := flattenJSON(t, &f, tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlattenNeverReturnsEmptyText(t *testing.T) {
	values := []Value{
		NullValue(),
		StringValue(""),
		ArrayValue(),
		ArrayValue(NullValue(), ArrayValue(ObjectValue())),
		ObjectValue(Entry{Key: "k", Value: ObjectValue(Entry{Key: "j", Value: NullValue()})}),
		ArrayValue(StringValue("")),
		ObjectValue(Entry{Key: "", Value: StringValue("")}),
		BoolValue(false),
		NumberValue("0"),
	}
	var f Flattener
	for _, v := range values {
		text, ok := f.Flatten(v)
		if ok {
			assert.NotEmpty(t, text, "value of kind %s", v.Kind())
		} else {
			assert.Empty(t, text, "value of kind %s", v.Kind())
		}
	}
}

func TestFlattenReusesBufferWithoutLeaking(t *testing.T) {
	var f Flattener
	first, ok := flattenJSON(t, &f, `["alpha", "beta", "gamma"]`)
	require.True(t, ok)
	assert.Equal(t, "alpha. beta. gamma. ", first)

	second, ok := flattenJSON(t, &f, `[1]`)
	require.True(t, ok)
	assert.Equal(t, "1. ", second)
}

func TestFlattenRendersIntoScratchBuffer(t *testing.T) {
	var f Flattener
	v, err := Parse([]byte(`{"title": "Dune"}`))
	require.NoError(t, err)

	text, ok := f.Flatten(v)
	require.True(t, ok)
	assert.Equal(t, "title: Dune. ", text)
	assert.Same(t, unsafe.SliceData(f.buf), unsafe.StringData(text), "text is a view of the buffer")

	allocs := testing.AllocsPerRun(100, func() {
		f.Flatten(v)
	})
	assert.Zero(t, allocs)
}

func TestParseRejectsMalformedInput(t *testing.T) {
	inputs := []string{
		``, `{"a":`, `[1,`, `1 2`, `{"a": 1} x`, `nope`,
		`1.2.3`, `--5`, `1-2`, `1e`, `-`, `{"a": 1..2}`, `[01]`, `1.`, `.5`, `1e+`, `1e400`,
		"\"\xff\xfe\"", "\"caf\xe9 bar\"", "{\"k\xff\": 1}",
		`"\ud800"`, `"\udc00"`, `"\ud800x"`, `"\ud800\u0041"`, `{"\udfff": 1}`, `["a", "\ud83d"]`,
	}
	for _, raw := range inputs {
		_, err := Parse([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestParseAcceptsValidEdgeCases(t *testing.T) {
	var f Flattener
	tests := []struct {
		raw  string
		want string
	}{
		{`-0.5e-3`, "-0.0005"},
		{`1E2`, "100.0"},
		{`1e-400`, "0.0"},
		{`"\ud83d\ude00 ok"`, "\U0001F600 ok"},
		{`"a\\ud800"`, `a\ud800`},
		{`"\"\ud800\udc00"`, "\"\U00010000"},
	}
	for _, tt := range tests {
		got, ok := flattenJSON(t, &f, tt.raw)
		require.True(t, ok, "input %q", tt.raw)
		assert.Equal(t, tt.want, got, "input %q", tt.raw)
	}
}

func TestParseKeepsUnicodeKeys(t *testing.T) {
	v, err := Parse([]byte(`{"caf\u00e9": "crème"}`))
	require.NoError(t, err)

	var f Flattener
	text, ok := f.Flatten(v)
	require.True(t, ok)
	assert.Equal(t, "café: crème. ", text)
}
