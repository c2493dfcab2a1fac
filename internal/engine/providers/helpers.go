package providers

import (
	"strings"
	"time"

	"actsync/internal/platform/models"
)

// ExternalID qualifies a provider-native id, e.g. "linear:<uuid>".
func ExternalID(p models.Provider, id string) string {
	return string(p) + ":" + id
}

// ConfigStrings reads a string list from an integration's config map.
func ConfigStrings(cfg map[string]interface{}, key string) []string {
	raw, ok := cfg[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// ParseTime accepts RFC 3339 with or without fractional seconds. A zero time is
// returned for empty or unparseable input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Tag lower-cases a label and replaces whitespace so it can be used as a tag.
func Tag(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
