package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var apiKeyPattern = regexp.MustCompile(`^sk-[A-Za-z0-9_-]+$`)

// ResolveAPIKey finds the planner API key. Checked in order: the
// explicit value, the OPENAI_API_KEY environment variable, a .api-key
// file in the working directory, ~/.config/operator-broker/api-key.
func ResolveAPIKey(explicit string) (string, error) {
	candidates := []string{explicit, os.Getenv("OPENAI_API_KEY")}

	if raw, err := os.ReadFile(".api-key"); err == nil {
		candidates = append(candidates, string(raw))
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "operator-broker", "api-key")
		if raw, err := os.ReadFile(path); err == nil {
			candidates = append(candidates, string(raw))
		}
	}

	for _, c := range candidates {
		key := strings.TrimSpace(c)
		if key == "" {
			continue
		}
		if err := ValidateAPIKey(key); err != nil {
			return "", err
		}
		return key, nil
	}

	return "", errors.New("no planner API key found (set planner.api_key, OPENAI_API_KEY, or a .api-key file)")
}

// ValidateAPIKey rejects values that cannot be an OpenAI-style key,
// catching truncated or mispasted keys before the first request fails.
func ValidateAPIKey(key string) error {
	if !apiKeyPattern.MatchString(key) {
		return fmt.Errorf("API key does not look like an sk- key (%d chars)", len(key))
	}
	return nil
}
