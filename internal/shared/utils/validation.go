package utils

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits for host API input
const (
	MaxURLLength    = 8 * 1024
	MaxScriptSize   = 256 * 1024
	MaxIDLength     = 128
	MaxStorageKeys  = 1024
	MaxStorageBytes = 5 * 1024 * 1024
)

// SafeIDPattern allows alphanumeric, hyphens, underscores
var SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrNotHTTP is returned for navigation targets outside http and https
var ErrNotHTTP = errors.New("url must be absolute http(s)")

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Check for null bytes (security issue)
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateID validates an ID field
func ValidateID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if id != "" && !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}

	return nil
}

// ParseTargetURL parses a navigation target. Only absolute http and https
// URLs with a host are accepted.
func ParseTargetURL(raw string) (*url.URL, error) {
	if err := ValidateString(raw, "url", 1, MaxURLLength, true); err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q: %w", raw, ErrNotHTTP)
	}
	return u, nil
}

// ValidateScript validates a script submitted for evaluation
func ValidateScript(script string) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("script is required")
	}
	if len(script) > MaxScriptSize {
		return fmt.Errorf("script size %d bytes exceeds maximum %d bytes", len(script), MaxScriptSize)
	}
	return nil
}

// ValidateStorageEntries bounds a localStorage set coming from a sandbox
func ValidateStorageEntries(entries map[string]string) error {
	if len(entries) > MaxStorageKeys {
		return fmt.Errorf("too many storage keys (%d, maximum %d)", len(entries), MaxStorageKeys)
	}

	total := 0
	for k, v := range entries {
		total += len(k) + len(v)
	}
	if total > MaxStorageBytes {
		return fmt.Errorf("storage size %d bytes exceeds maximum %d bytes", total, MaxStorageBytes)
	}
	return nil
}
