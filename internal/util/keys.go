package util

import (
	"strings"
)

// Canonical joins a prefix and name=value pairs into a stable key string.
// Pairs with an empty value are dropped, so zero fields never change the key.
// '|', '=' and '\' inside values are escaped to keep the encoding injective.
func Canonical(prefix string, pairs ...string) string {
	var b strings.Builder
	b.WriteString(escape(prefix))
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(pairs[i])
		b.WriteByte('=')
		b.WriteString(escape(pairs[i+1]))
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `=`, `\=`)

func escape(s string) string {
	if !strings.ContainsAny(s, `\|=`) {
		return s
	}
	return escaper.Replace(s)
}
