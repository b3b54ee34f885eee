package tools

import "strings"

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

// intArg returns a positive integer argument clamped to max, or def.
func intArg(args map[string]any, name string, def, max int) int {
	f, ok := args[name].(float64)
	if !ok || f < 1 {
		return def
	}
	if max > 0 && int(f) > max {
		return max
	}
	return int(f)
}

func boolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

func stringsArg(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
