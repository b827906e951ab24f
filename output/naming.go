package output

import (
	"strings"
	"unicode"
)

// SnakeCase converts CamelCase and arbitrary punctuation to lower snake_case
// restricted to [a-z0-9_]. Acronym runs stay together: "DownlinkThroughputBps"
// becomes "downlink_throughput_bps", "IPv4Addr" becomes "i_pv4_addr".
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r < unicode.MaxASCII && unicode.IsUpper(r):
			if i > 0 && b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		case r < unicode.MaxASCII && (unicode.IsLower(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// MetricName joins snake-cased parts with underscores, skipping empty parts.
// A name that would start with a digit gets a leading underscore.
func MetricName(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := SnakeCase(p); s != "" {
			out = append(out, s)
		}
	}
	name := strings.Join(out, "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}
