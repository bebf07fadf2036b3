package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRepairsMalformedJSON(t *testing.T) {
	var m map[string]int
	require.NoError(t, Decode(`{"steps": 3,}`, &m))
	assert.Equal(t, 3, m["steps"])

	var s struct {
		Name string `json:"name"`
	}
	require.NoError(t, Decode(`{'name': 'open settings'}`, &s))
	assert.Equal(t, "open settings", s.Name)
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	var v any
	assert.Error(t, Decode("", &v))
	assert.Error(t, Decode("   \n", &v))
}

func TestExtract(t *testing.T) {
	fenced := "Here is the plan:\n```json\n{\"a\": 1}\n```\nLet me know."
	assert.Equal(t, `{"a": 1}`, Extract(fenced))

	inline := `The result is {"outer": {"inner": [1, 2]}} as requested.`
	assert.Equal(t, `{"outer": {"inner": [1, 2]}}`, Extract(inline))

	array := `scores: [1, 2, 3] end`
	assert.Equal(t, `[1, 2, 3]`, Extract(array))

	assert.Equal(t, "", Extract("no structured data here"))
	assert.Equal(t, "", Extract(""))
}

func TestExtractIgnoresBracesInsideStrings(t *testing.T) {
	text := `{"message": "use {placeholder} here"} trailing`
	assert.Equal(t, `{"message": "use {placeholder} here"}`, Extract(text))
}

func TestDecodeLoose(t *testing.T) {
	var v struct {
		Action string `json:"action"`
	}
	text := "I will click the button.\n```json\n{\"action\": \"click\",}\n```"
	require.NoError(t, DecodeLoose(text, &v))
	assert.Equal(t, "click", v.Action)

	assert.Error(t, DecodeLoose("plain prose only", &v))
}

func TestValidText(t *testing.T) {
	assert.Equal(t, "hello", ValidText([]byte("hello")))

	mangled := ValidText([]byte{'o', 'k', 0xff, '!'})
	assert.Contains(t, mangled, "ok")
	assert.Contains(t, mangled, "!")
	assert.NotContains(t, mangled, string(byte(0xff)))
}
