package backend

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DiscoverPort resolves the port of a local browser service. Checked in
// order: the {SERVICE}_PORT environment variable, a .{service}-port
// file in the working directory, ~/tmp/{service}.port, then the
// fallback. Unparseable values are skipped, not fatal.
func DiscoverPort(service string, fallback int) int {
	envKey := strings.ToUpper(service) + "_PORT"
	if p, ok := parsePort(os.Getenv(envKey)); ok {
		return p
	}

	if raw, err := os.ReadFile("." + service + "-port"); err == nil {
		if p, ok := parsePort(string(raw)); ok {
			return p
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, "tmp", service+".port")
		if raw, err := os.ReadFile(path); err == nil {
			if p, ok := parsePort(string(raw)); ok {
				return p
			}
		}
	}

	return fallback
}

func parsePort(raw string) (int, bool) {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}
