package analysis

import (
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// findRepoRoot walks up from path until it finds a git repository.
func findRepoRoot(path string) (*git.Repository, bool) {
	currentPath := path
	for {
		repo, err := git.PlainOpen(currentPath)
		if err == nil {
			return repo, true
		}

		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			return nil, false
		}
		currentPath = parent
	}
}

// Revision returns the short HEAD commit of the repository containing dir,
// or "" when dir is not inside a repository.
func Revision(dir string) string {
	repo, ok := findRepoRoot(dir)
	if !ok {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()[:12]
}
