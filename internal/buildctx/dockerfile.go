package buildctx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"

	"github.com/ppiankov/kiln/internal/failure"
)

func checkDockerfile(root string) error {
	path := filepath.Join(root, DockerfileName)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return failure.Errorf(failure.InvalidInput, "no %s found in %s", DockerfileName, root)
	}
	if err != nil {
		return failure.New(failure.InvalidInput, fmt.Errorf("reading %s: %w", DockerfileName, err))
	}
	if !info.Mode().IsRegular() {
		return failure.Errorf(failure.InvalidInput, "%s in %s is not a regular file", DockerfileName, root)
	}

	f, err := os.Open(path)
	if err != nil {
		return failure.New(failure.InvalidInput, fmt.Errorf("reading %s: %w", DockerfileName, err))
	}
	defer f.Close()

	res, err := parser.Parse(f)
	if err != nil {
		return failure.New(failure.InvalidInput, fmt.Errorf("parsing %s: %w", DockerfileName, err))
	}
	for _, n := range res.AST.Children {
		if strings.EqualFold(n.Value, "from") {
			return nil
		}
	}
	return failure.Errorf(failure.InvalidInput, "%s has no FROM instruction", DockerfileName)
}
