package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "fix the parser", excerpt("fix the\n parser", 60))

	long := strings.Repeat("word ", 40)
	assert.Len(t, excerpt(long, 60), 60)

	// Truncation never splits a multi-byte rune.
	accented := strings.Repeat("café ", 40)
	got := excerpt(accented, 60)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 60)
}
