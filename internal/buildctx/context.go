// Package buildctx packages a local build context and delivers it into the
// cluster.
package buildctx

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/ppiankov/kiln/internal/failure"
)

const (
	// DockerfileName is the Dockerfile expected at the context root.
	DockerfileName = "Dockerfile"
	// IgnoreFileName holds exclusion patterns with Docker semantics.
	IgnoreFileName = ".dockerignore"
)

// File is one entry of a build context.
type File struct {
	// Rel is the slash-separated path relative to the context root.
	Rel  string
	Mode fs.FileMode
	Size int64

	// Link is the target of a symlink entry.
	Link string
}

// Context is a filtered, validated build context.
type Context struct {
	Root  string
	Files []File
}

// Size returns the total size of regular files.
func (c *Context) Size() int64 {
	var n int64
	for _, f := range c.Files {
		if f.Mode.IsRegular() {
			n += f.Size
		}
	}
	return n
}

// Load validates root as a build context and lists the files that survive
// .dockerignore filtering. The Dockerfile and .dockerignore are always
// included. A missing or unparsable Dockerfile is failure.InvalidInput.
func Load(root string) (*Context, error) {
	if err := checkDockerfile(root); err != nil {
		return nil, err
	}

	pm, err := ignoreMatcher(root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel != DockerfileName && rel != IgnoreFileName && pm != nil {
			skip, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return fmt.Errorf("matching %s: %w", rel, err)
			}
			if skip {
				if d.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		f := File{Rel: rel, Mode: info.Mode(), Size: info.Size()}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			f.Link = target
			f.Size = 0
		case info.IsDir():
			f.Size = 0
		case !info.Mode().IsRegular():
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, failure.New(failure.ContextUploadError, fmt.Errorf("reading build context %s: %w", root, err))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return &Context{Root: root, Files: files}, nil
}

func ignoreMatcher(root string) (*patternmatcher.PatternMatcher, error) {
	data, err := os.ReadFile(filepath.Join(root, IgnoreFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.New(failure.InvalidInput, fmt.Errorf("reading %s: %w", IgnoreFileName, err))
	}
	patterns, err := ignorefile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.InvalidInput, fmt.Errorf("parsing %s: %w", IgnoreFileName, err))
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, fmt.Errorf("parsing %s: %w", IgnoreFileName, err))
	}
	return pm, nil
}
