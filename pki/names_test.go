package pki_test

import (
	"testing"

	"github.com/jmcleod/ovpnkeeper/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeName(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"laptop", "laptop"},
		{"Work Laptop (2)", "Work Laptop (2)"},
		{"a:b", "a::b"},
		{"\U0001F600", ":grinning_face:"},
		{"café", "caf:latin_small_letter_e_with_acute:"},
		{"tab\there", "tab:u+0009:here"},
		{"\x7f", ":u+007f:"},
		{"", ""},
	} {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, pki.EscapeName(tc.in))
		})
	}
}

func TestEscapeName_ASCIIOnly(t *testing.T) {
	for _, in := range []string{"\U0001F4F1 phone", "中文", "한국어", "\u200b", "ß:\U0001F600:"} {
		out := pki.EscapeName(in)
		for i := 0; i < len(out); i++ {
			assert.True(t, out[i] >= 0x20 && out[i] < 0x7f, "byte %q in %q", out[i], out)
		}
	}
}

func TestUnescapeName_RoundTrip(t *testing.T) {
	for _, in := range []string{
		"laptop",
		"::",
		":grinning_face:",
		"\U0001F600\U0001F600",
		":\U0001F600",
		"\U0001F600:",
		"中文 tablet",
		"Ärger\nmit\x00bytes",
		"\U0010FFFF",
	} {
		t.Run(in, func(t *testing.T) {
			got, err := pki.UnescapeName(pki.EscapeName(in))
			require.NoError(t, err)
			assert.Equal(t, in, got)
		})
	}
}

func TestUnescapeName_Invalid(t *testing.T) {
	for _, in := range []string{
		":grinning_face",
		":not_a_real_character_name:",
		":u+zzzz:",
		":u+d800:",
		":u+110000:",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := pki.UnescapeName(in)
			assert.ErrorIs(t, err, pki.ErrInvalidEscape)
		})
	}
}
