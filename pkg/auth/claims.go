package auth

import (
	"strconv"
	"strings"
	"time"
)

// VerifiedClaims is the result of a successful [TokenVerifier.Verify].
// Raw holds every claim of the token exactly as decoded.
type VerifiedClaims struct {
	Subject   string
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Groups is the provider's group list, as extracted by the adapter.
	Groups []string

	// TokenUse is the token_use claim, or "" when the token has none.
	TokenUse string

	Raw map[string]any
}

// stringClaim returns claims[name] if it is a string.
func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// boolClaim returns a pointer to claims[name] if it is a bool or a
// boolean string, and nil otherwise. Some providers encode booleans as
// "true"/"false".
func boolClaim(claims map[string]any, name string) *bool {
	switch v := claims[name].(type) {
	case bool:
		return &v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil
		}
		return &b
	default:
		return nil
	}
}

// timeClaim converts a NumericDate claim to a time. Missing or malformed
// claims yield the zero time.
func timeClaim(claims map[string]any, name string) time.Time {
	switch v := claims[name].(type) {
	case float64:
		sec := int64(v)
		return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	default:
		return time.Time{}
	}
}

// stringList reads a claim holding a list of strings. Non-string entries
// are dropped. With splitString set, a single string is read as a
// comma-separated list.
func stringList(v any, splitString bool) []string {
	var raw []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = t
	case string:
		if !splitString {
			return nil
		}
		raw = strings.Split(t, ",")
	default:
		return nil
	}
	return normalizeGroups(raw)
}

// normalizeGroups trims each entry, drops empties and removes duplicates
// while keeping the first-seen order. Case is preserved.
func normalizeGroups(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
