package api

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	maxFieldChars  = 50000
	minTaskChars   = 3
	maxReasonChars = 1000
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// sanitizeText trims, normalizes to NFC, and collapses runs of three or
// more newlines to two.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	s = norm.NFC.String(s)
	return excessNewlines.ReplaceAllString(s, "\n\n")
}

// validateTaskRequest sanitizes and bounds-checks a task request body.
func validateTaskRequest(s string) (string, error) {
	s = sanitizeText(s)
	if s == "" {
		return "", fmt.Errorf("request must not be empty")
	}
	if len(s) < minTaskChars {
		return "", fmt.Errorf("request must be at least %d characters", minTaskChars)
	}
	if len(s) > maxFieldChars {
		return "", fmt.Errorf("request exceeds %d characters", maxFieldChars)
	}
	return s, nil
}

// validateReason sanitizes an approval reason. Empty is allowed.
func validateReason(s string) (string, error) {
	s = sanitizeText(s)
	if len(s) > maxReasonChars {
		return "", fmt.Errorf("reason exceeds %d characters", maxReasonChars)
	}
	return s, nil
}
