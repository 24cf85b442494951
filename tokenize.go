package cliffi

import (
	"strings"
	"unicode"
)

// Split breaks a command line into tokens the way a POSIX shell would for
// simple words: whitespace separates tokens, single and double quotes group
// (and are removed), and a backslash escapes the next character. Inside
// quotes a backslash is kept unless it escapes a backslash or the quote
// character. A bare "" yields an empty token. An unterminated quote runs to
// the end of the line.
func Split(line string) []string {
	var (
		out    []string
		tok    strings.Builder
		quote  rune
		escape bool
	)
	for _, c := range line {
		switch {
		case escape:
			escape = false
			if quote != 0 && c != '\\' && c != quote {
				tok.WriteRune('\\')
			}
			tok.WriteRune(c)
		case c == '\\':
			escape = true
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case quote != 0 && c == quote:
			quote = 0
			if tok.Len() == 0 {
				out = append(out, "")
			}
		case !unicode.IsSpace(c) || quote != 0:
			tok.WriteRune(c)
		case tok.Len() > 0:
			out = append(out, tok.String())
			tok.Reset()
		}
	}
	if tok.Len() > 0 {
		out = append(out, tok.String())
	}
	return out
}
