package env

import (
	"os"
	"strings"
)

// Get returns the trimmed environment value or fallback when unset/empty.
func Get(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
