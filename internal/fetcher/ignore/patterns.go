package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
)

// PulseIgnoreMatcher handles gitignore-style pattern matching relative to a
// base directory
type PulseIgnoreMatcher struct {
	base     string
	mu       sync.RWMutex
	patterns []string
	compiled *gitignore.GitIgnore
}

// defaultIgnores are always applied to the base name of a path
var defaultIgnores = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	".git",
	".svn",
	".hg",
	"*.swp",
	"*.swo",
	"*~",
	"#*#",
	".#*",
}

// NewPulseIgnoreMatcher creates a new ignore matcher anchored at base
func NewPulseIgnoreMatcher(base string, patterns ...string) *PulseIgnoreMatcher {
	m := &PulseIgnoreMatcher{base: filepath.Clean(base)}
	m.AddPatterns(patterns)
	return m
}

// LoadFromFile loads ignore patterns from a file (like .gitignore)
func (m *PulseIgnoreMatcher) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var patterns []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}

	m.AddPatterns(patterns)
	return scanner.Err()
}

// AddPatterns adds multiple patterns to the matcher
func (m *PulseIgnoreMatcher) AddPatterns(patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		m.patterns = append(m.patterns, pattern)
	}
	m.compiled = gitignore.CompileIgnoreLines(m.patterns...)
}

// GetPatterns returns all configured user patterns
func (m *PulseIgnoreMatcher) GetPatterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.patterns...)
}

// ShouldIgnore checks if a path should be ignored. Paths outside the base
// directory are only checked against the default ignores.
func (m *PulseIgnoreMatcher) ShouldIgnore(path string, isDir bool) bool {
	if isDefaultIgnored(filepath.Base(path)) {
		return true
	}

	m.mu.RLock()
	compiled := m.compiled
	m.mu.RUnlock()
	if compiled == nil {
		return false
	}

	rel, err := filepath.Rel(m.base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return compiled.MatchesPath(rel)
}

func isDefaultIgnored(name string) bool {
	for _, pattern := range defaultIgnores {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}

	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}
