// Package validate is the single gateway between user-supplied names/paths
// and anything that touches the filesystem or spawns a process. Every core
// entry point re-validates here rather than trusting upstream callers.
package validate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned by callers that need an error value for a
// name rejected by Identifier.
var ErrInvalidIdentifier = errors.New("invalid identifier: only [A-Za-z0-9._-], max 255 chars")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// Identifier reports whether name is safe to use as a project/process name.
// Only alphanumerics, dot, hyphen and underscore are allowed, bounded at 255
// characters. Shell metacharacters, spaces and path separators all fail the
// allow-list, so a valid identifier can never carry an injection payload.
func Identifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// PathError describes why a candidate path was rejected.
type PathError struct {
	Candidate string
	Reason    string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Candidate, e.Reason)
}

// Path resolves candidate relative to root and returns its canonical absolute
// form, or a *PathError if the resolved path escapes root, does not exist, or
// is not a directory. Symlinks are resolved on both sides before the prefix
// check so a link inside root cannot point the caller outside it.
func Path(root, candidate string) (string, error) {
	canonRoot, err := canonicalize(root)
	if err != nil {
		return "", &PathError{Candidate: candidate, Reason: "root cannot be resolved"}
	}

	joined := candidate
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(canonRoot, candidate)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", &PathError{Candidate: candidate, Reason: "path does not exist"}
	}

	if !isUnderOrEqual(resolved, canonRoot) {
		return "", &PathError{Candidate: candidate, Reason: "path escapes allowed root"}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", &PathError{Candidate: candidate, Reason: "path cannot be stat'd"}
	}
	if !info.IsDir() {
		return "", &PathError{Candidate: candidate, Reason: "path is not a directory"}
	}

	return resolved, nil
}

// canonicalize converts a path to its absolute, symlink-resolved form.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// isUnderOrEqual returns true if testPath is under or equal to basePath.
// The separator suffix keeps "/srv/projects2" from matching "/srv/projects".
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}

	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}

	return strings.HasPrefix(testPath, baseWithSep)
}
