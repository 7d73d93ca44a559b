// Package attrs reads values back out of slog-style key/value lists.
package attrs

import (
	"fmt"
	"log/slog"
)

// ExtractString returns the value for key from a list shaped like the
// arguments to slog.Logger.Info: alternating keys and values, optionally
// mixed with slog.Attr entries. Strings and fmt.Stringers are returned as
// text; anything else, or a missing key, yields "".
func ExtractString(list []any, key string) string {
	for i := 0; i < len(list); i++ {
		switch k := list[i].(type) {
		case slog.Attr:
			if k.Key == key {
				return k.Value.String()
			}
		case string:
			if i+1 >= len(list) {
				return ""
			}
			if k == key {
				return text(list[i+1])
			}
			i++
		}
	}
	return ""
}

func text(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}
