package config

import (
	"slices"
	"strings"
)

// secretKeys are masked by MaskSecrets and by `config set` output.
var secretKeys = []string{
	"auth.secret",
	"db.password",
	"llm.api_key",
	"telegram.token",
}

// minRevealLen is the shortest secret whose last four characters are shown.
const minRevealLen = 12

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	return slices.Contains(secretKeys, key)
}

// KnownKey reports whether key names a leaf of the Config struct.
func KnownKey(key string) bool {
	m, err := ToMap(Defaults())
	if err != nil {
		return false
	}
	_, ok := Flatten(m)[key]
	return ok
}

// Flatten turns nested maps into dot-separated keys:
// {"db": {"driver": "sqlite"}} becomes {"db.driver": "sqlite"}.
// Empty nested maps disappear.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar on the path of a deeper
// key is replaced by a map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				node[head] = v
				break
			}
			child, ok := node[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[head] = child
			}
			node, key = child, rest
		}
	}
	return out
}

// MaskSecrets returns a copy of flat with credential values hidden. Long
// secrets keep their last four characters ("***abcd") so they can be told
// apart; short ones are fully hidden. Empty and non-string values pass
// through.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			continue
		}
		if len(s) < minRevealLen {
			out[k] = "***"
		} else {
			out[k] = "***" + s[len(s)-4:]
		}
	}
	return out
}
