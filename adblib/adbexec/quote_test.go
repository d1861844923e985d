package adbexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"ls", "-l"}, "ls -l"},
		{[]string{"echo", "a b"}, "echo 'a b'"},
		{[]string{""}, "''"},
		{[]string{"it's"}, `it\'s`},
		{[]string{"it's here"}, `'it'\''s here'`},
		{[]string{"'quoted words'"}, `\''quoted words'\'`},
		{[]string{"$HOME"}, `\$HOME`},
		{[]string{"~/x", "a~b"}, `\~/x a~b`},
		{[]string{"a\tb\nc"}, "'a\tb\nc'"},
		{[]string{"f(x);", "[a]*?"}, `f\(x\)\; \[a]\*\?`},
		{[]string{"\xff$"}, "\xff\\$"},
	} {
		assert.Equal(t, tc.want, Quote(tc.args...), "%q", tc.args)
	}
}
