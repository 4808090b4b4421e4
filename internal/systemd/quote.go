// Package systemd renders service descriptors into unit files and
// applies them to the running manager over D-Bus. It owns the
// ExecStart quoting contract; everything else delegates to
// go-systemd's unit serializer and D-Bus client.
package systemd

import (
	"fmt"
	"strings"
)

// Quote renders an argument vector as a single ExecStart value.
//
// Contract: for any byte sequence in any element, the rendered line
// splits back into exactly the original vector under systemd's
// command-line parsing. Every element is double-quoted; backslash and
// double quote are backslash-escaped; newline, tab, and carriage
// return use their C escapes and remaining control bytes use \xNN;
// '$' doubles to '$$' and '%' doubles to '%%' so neither variable nor
// specifier expansion can fire. An empty element renders as "".
func Quote(argv []string) string {
	words := make([]string, 0, len(argv))
	for _, arg := range argv {
		words = append(words, quoteWord(arg))
	}
	return strings.Join(words, " ")
}

func quoteWord(arg string) string {
	var b strings.Builder
	b.Grow(len(arg) + 2)
	b.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '$':
			b.WriteString("$$")
		case c == '%':
			b.WriteString("%%")
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\r':
			b.WriteString(`\r`)
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			// Bytes >= 0x80 pass through untouched, so multi-byte
			// UTF-8 sequences survive as-is.
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
