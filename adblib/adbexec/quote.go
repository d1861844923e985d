package adbexec

import (
	"strings"
)

// https://cs.android.com/android/platform/superproject/main/+/main:external/mksh/src/lex.c;drc=2e46594a0b7f5014d1a6751020dabe80e576c954

const (
	shellMeta  = "\\'\"`${[|&;<>()*?!" // escaped with a backslash
	shellSpace = " \t\n"               // can't be escaped, so the word is single-quoted
)

// Quote quotes arguments for /system/bin/sh (mksh). Words are left readable
// where possible: metacharacters are backslash-escaped, and only words
// containing whitespace are single-quoted.
func Quote(args ...string) string {
	var b strings.Builder
	for i, arg := range args {
		if i != 0 {
			b.WriteByte(' ')
		}
		quoteWord(&b, arg)
	}
	return b.String()
}

func quoteWord(b *strings.Builder, w string) {
	if w == "" {
		b.WriteString("''")
		return
	}
	if strings.ContainsAny(w, shellSpace) {
		for i, part := range strings.Split(w, "'") {
			if i != 0 {
				b.WriteString(`\'`)
			}
			if part != "" {
				b.WriteByte('\'')
				b.WriteString(part)
				b.WriteByte('\'')
			}
		}
		return
	}
	for i := 0; i < len(w); i++ {
		if c := w[i]; strings.IndexByte(shellMeta, c) != -1 || (i == 0 && c == '~') {
			b.WriteByte('\\')
		}
		b.WriteByte(w[i])
	}
}
