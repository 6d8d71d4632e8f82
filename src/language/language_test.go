package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectScripts(t *testing.T) {
	d := DetectScripts("नमस्ते दुनिया")
	assert.True(t, d.HasDevanagari)
	assert.False(t, d.HasLatin)

	d = DetectScripts("hello world")
	assert.False(t, d.HasDevanagari)
	assert.True(t, d.HasLatin)

	d = DetectScripts("नमस्ते world")
	assert.True(t, d.HasDevanagari)
	assert.True(t, d.HasLatin)

	d = DetectScripts("   ")
	assert.False(t, d.HasDevanagari)
	assert.False(t, d.HasLatin)
}

func TestExpectedLanguageMismatch(t *testing.T) {
	assert.True(t, ExpectedLanguageMismatch("hi", "hello"))
	assert.False(t, ExpectedLanguageMismatch("hi", "नमस्ते"))
	assert.True(t, ExpectedLanguageMismatch("en", "नमस्ते"))
	assert.False(t, ExpectedLanguageMismatch("en", "hello"))

	// Digits and punctuation alone are never a mismatch.
	assert.False(t, ExpectedLanguageMismatch("hi", "1234."))
	assert.False(t, ExpectedLanguageMismatch("en", ""))
}
