package project

import (
	"strings"

	"github.com/moby/patternmatcher"
)

// defaultIgnore is always excluded from project scans.
var defaultIgnore = []string{".git", ".picolink", "__pycache__", ".vscode", ".idea"}

// matcher wraps gitignore-style pattern matching over the configured ignore
// list plus the defaults.
type matcher struct {
	pm *patternmatcher.PatternMatcher
}

func newMatcher(ignore []string) (*matcher, error) {
	patterns := append(append([]string{}, defaultIgnore...), ignore...)
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, err
	}
	return &matcher{pm: pm}, nil
}

// ignored reports whether a root-relative forward-slash path is excluded.
func (m *matcher) ignored(relPath string) bool {
	matched, err := m.pm.MatchesOrParentMatches(relPath)
	if err != nil {
		return false
	}
	return matched
}

// allowedType reports whether a path passes the extension allow-list.
// An empty list allows everything. Entries match with or without a leading
// dot.
func allowedType(relPath string, fileTypes []string) bool {
	if len(fileTypes) == 0 {
		return true
	}
	for _, ft := range fileTypes {
		ext := ft
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if strings.HasSuffix(relPath, ext) {
			return true
		}
	}
	return false
}
