// Package utils provides utility functions for PulseTree
package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ParseDuration parses a duration string with support for additional units
func ParseDuration(s string) (time.Duration, error) {
	// Support for d (days) unit
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		var d int
		_, err := fmt.Sscanf(days, "%d", &d)
		if err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}

// FormatDuration formats a duration in human-readable format, dropping
// sub-second precision.
func FormatDuration(d time.Duration) string {
	days := d / (24 * time.Hour)
	d = d % (24 * time.Hour)
	hours := d / time.Hour
	d = d % time.Hour
	minutes := d / time.Minute
	d = d % time.Minute
	seconds := d / time.Second

	parts := []string{}

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}

// TruncateString truncates a string to a maximum length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// IsWithin reports whether path is root itself or lies underneath it.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Ancestors returns the parent directories of path from nearest to farthest,
// stopping at (and including) stop.
func Ancestors(path, stop string) []string {
	var out []string
	for cur := filepath.Dir(path); ; cur = filepath.Dir(cur) {
		if !IsWithin(stop, cur) {
			break
		}
		out = append(out, cur)
		if cur == stop || cur == filepath.Dir(cur) {
			break
		}
	}
	return out
}
