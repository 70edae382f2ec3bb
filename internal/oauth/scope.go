package oauth

import (
	"slices"
	"strings"
)

func parseScopes(raw string) []string {
	return strings.Fields(raw)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// subsetOf reports whether every requested scope is in allowed
func subsetOf(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}
