package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFast(t *testing.T) {
	assert.Equal(t, 0, EstimateFast(""))
	assert.Equal(t, 0, EstimateFast("   \n\t"))

	// Word count wins for short text.
	assert.Equal(t, 1, EstimateFast("hi"))
	assert.Equal(t, 3, EstimateFast("a b c"))

	// Rune quarter wins for a long unbroken token.
	assert.Equal(t, 10, EstimateFast(strings.Repeat("x", 40)))

	// Multibyte text counts runes, not bytes.
	assert.Equal(t, 1, EstimateFast("你好世界"))
}

func TestCountInvariants(t *testing.T) {
	// Count falls back to the heuristic when the encoding cannot load, so
	// only order and zero properties are stable across environments.
	assert.Equal(t, 0, Count(""))
	assert.Positive(t, Count("hello world"))
	assert.Greater(t,
		Count(strings.Repeat("open the settings page and toggle dark mode. ", 20)),
		Count("open the settings page"))
}
