package buildctx

import (
	"github.com/go-git/go-git/v5"
)

// Revision returns the commit checked out in the repository containing dir,
// or "" when dir is not inside a git work tree.
func Revision(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
