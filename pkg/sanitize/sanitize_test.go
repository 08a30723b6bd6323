package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Alice", "Alice"},
		{"trimmed", "  Alice  ", "Alice"},
		{"markup", "<b>Alice</b><script>alert(1)</script>", "Alice"},
		{"control", "Ali\x00ce\n", "Alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.input, 100))
		})
	}
}

func TestDisplayName_TruncatesRunes(t *testing.T) {
	got := DisplayName(strings.Repeat("é", 150), 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
}

func TestValidateChannelID(t *testing.T) {
	assert.True(t, ValidateChannelID("chan-1", 128))
	assert.True(t, ValidateChannelID("dm:3f2a@team.example", 128))
	assert.False(t, ValidateChannelID("", 128))
	assert.False(t, ValidateChannelID("has space", 128))
	assert.False(t, ValidateChannelID("a{b}", 128))
	assert.False(t, ValidateChannelID(strings.Repeat("a", 129), 128))
}
