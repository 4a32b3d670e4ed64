// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package action

// String returns args[key] when it is a string.
func String(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// Int returns args[key] as an int when it is an integral number.
func Int(args map[string]any, key string) (int, bool) {
	f, ok := toFloat(args[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Strings returns the string elements of args[key].
func Strings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
