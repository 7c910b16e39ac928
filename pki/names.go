package pki

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/runenames"
)

// ErrInvalidEscape is returned by UnescapeName for malformed input.
var ErrInvalidEscape = errors.New("invalid escaped name")

// EscapeName maps a user-chosen label to printable ASCII so it can be
// embedded in a certificate common name and used as a file name.
//
// Printable ASCII other than ':' is kept. ':' becomes "::". Every other rune
// becomes ":name:" where name is its Unicode character name, lower-cased with
// spaces replaced by '_' (so U+1F600 becomes ":grinning_face:"). Runes
// without a unique name (controls, unassigned code points, ideograph ranges)
// become ":u+XXXX:". The transform is reversed by UnescapeName and, once
// certificates are issued with it, must not change.
func EscapeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ':':
			b.WriteString("::")
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			b.WriteByte(':')
			b.WriteString(runeToken(r))
			b.WriteByte(':')
		}
	}
	return b.String()
}

// UnescapeName reverses EscapeName.
func UnescapeName(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		if c != ':' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == ':' {
			b.WriteByte(':')
			i += 2
			continue
		}
		end := strings.IndexByte(s[i+1:], ':')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated token at offset %d", ErrInvalidEscape, i)
		}
		token := s[i+1 : i+1+end]
		r, err := tokenRune(token)
		if err != nil {
			return "", err
		}
		b.WriteRune(r)
		i += end + 2
	}
	return b.String(), nil
}

func runeToken(r rune) string {
	if r >= utf8.RuneSelf {
		if name := runenames.Name(r); name != "" && !strings.HasPrefix(name, "<") {
			return strings.ReplaceAll(strings.ToLower(name), " ", "_")
		}
	}
	return fmt.Sprintf("u+%04x", r)
}

func tokenRune(token string) (rune, error) {
	if hex, ok := strings.CutPrefix(token, "u+"); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil || !utf8.ValidRune(rune(v)) {
			return 0, fmt.Errorf("%w: bad code point %q", ErrInvalidEscape, token)
		}
		return rune(v), nil
	}
	r, ok := runeByToken()[token]
	if !ok {
		return 0, fmt.Errorf("%w: unknown character name %q", ErrInvalidEscape, token)
	}
	return r, nil
}

var runeByToken = sync.OnceValue(func() map[string]rune {
	m := make(map[string]rune, 1<<16)
	for r := rune(utf8.RuneSelf); r <= unicode.MaxRune; r++ {
		if r >= 0xd800 && r <= 0xdfff {
			continue
		}
		name := runenames.Name(r)
		if name == "" || strings.HasPrefix(name, "<") {
			continue
		}
		m[strings.ReplaceAll(strings.ToLower(name), " ", "_")] = r
	}
	return m
})
