package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/ppiankov/kiln/internal/failure"
)

// ContextDir resolves raw against the working tree wd and returns an absolute
// directory path. A relative raw whose cleaned form climbs out of wd is
// rejected, as is anything that does not resolve to an existing directory.
// An empty raw means wd itself.
func ContextDir(wd, raw string) (string, error) {
	if raw == "" {
		raw = "."
	}
	if strings.ContainsRune(raw, 0) {
		return "", failure.Errorf(failure.InvalidInput, "context path contains a NUL byte")
	}

	var dir string
	if filepath.IsAbs(raw) {
		resolved, err := filepath.EvalSymlinks(filepath.Clean(raw))
		if err != nil {
			return "", failure.New(failure.InvalidInput, fmt.Errorf("context path %q: %w", raw, err))
		}
		dir = resolved
	} else {
		cleaned := filepath.Clean(raw)
		if escapes(cleaned) {
			return "", failure.Errorf(failure.InvalidInput, "context path %q escapes the working directory", raw)
		}
		joined, err := securejoin.SecureJoin(wd, cleaned)
		if err != nil {
			return "", failure.New(failure.InvalidInput, fmt.Errorf("context path %q: %w", raw, err))
		}
		dir = joined
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return "", failure.New(failure.InvalidInput, fmt.Errorf("context path %q: %w", raw, err))
	}
	if !fi.IsDir() {
		return "", failure.Errorf(failure.InvalidInput, "context path %q is not a directory", raw)
	}
	return dir, nil
}

// RelPath validates a slash-separated path relative to a context root, as
// used for files inside the uploaded tree.
func RelPath(p string) error {
	if p == "" || strings.ContainsRune(p, 0) {
		return failure.Errorf(failure.InvalidInput, "invalid relative path %q", p)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || escapes(filepath.Clean(filepath.FromSlash(p))) {
		return failure.Errorf(failure.InvalidInput, "path %q escapes the build context", p)
	}
	return nil
}

func escapes(cleaned string) bool {
	return cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}
