package auth

import (
	"os"
	"strings"
)

// ParseAllowedOrigins splits a comma-separated origin list, trimming
// whitespace and dropping empty entries. Falls back to defaults when the
// value yields nothing.
func ParseAllowedOrigins(value string, defaults []string) []string {
	if value == "" {
		return defaults
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return defaults
	}
	return origins
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the named
// environment variable. Shared by the CORS layer and the WebSocket upgrader's
// origin check.
func GetAllowedOriginsFromEnv(envVarName string, defaults []string) []string {
	return ParseAllowedOrigins(os.Getenv(envVarName), defaults)
}
