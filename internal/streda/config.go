package streda

import "strings"

// UnwrapSecret accepts a raw refresh token or the secret:"<value>" wrapped
// form some export tools produce, and returns the bare value.
func UnwrapSecret(s string) string {
	return unwrapTagged(s, "secret")
}

// UnwrapLocationID accepts a raw location id or the locationId:"<value>"
// wrapped form.
func UnwrapLocationID(s string) string {
	return unwrapTagged(s, "locationId")
}

func unwrapTagged(s, tag string) string {
	s = strings.TrimSpace(s)
	prefix := tag + `:"`
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, `"`) && len(s) > len(prefix) {
		return s[len(prefix) : len(s)-1]
	}
	return s
}
