package router

import (
	"fmt"
	"strings"
)

// ExtractBearerToken extracts the token from an Authorization header
// value. The token is treated as an opaque credential; it is never
// validated here, only forwarded upstream.
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", fmt.Errorf("missing or incorrect Authorization header format")
	}
	token := strings.TrimPrefix(authHeader, prefix)
	if token == "" {
		return "", fmt.Errorf("missing token in Authorization header")
	}
	return token, nil
}
