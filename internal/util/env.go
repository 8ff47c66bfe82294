package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean environment variable. true/1/yes/on and
// false/0/no/off are recognized in any case; an unset or unrecognized value
// falls back to defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: unrecognized boolean, falling back to default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}
