package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// File is a workflow file read from a local checkout.
type File struct {
	Path    string
	Content []byte
}

// DiscoverLocal reads the workflow files of a local repository checkout.
// A repository without a .github/workflows directory yields an empty
// slice, not an error.
func DiscoverLocal(fsys afero.Fs, repoPath string) ([]File, error) {
	workflowsDir := filepath.Join(repoPath, ".github", "workflows")

	if _, err := fsys.Stat(workflowsDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", workflowsDir, err)
	}

	var files []File
	err := afero.Walk(fsys, workflowsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".yml") && !strings.HasSuffix(info.Name(), ".yaml") {
			return nil
		}

		content, err := afero.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read workflow file %s: %w", path, err)
		}
		files = append(files, File{Path: path, Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search workflow files: %w", err)
	}

	return files, nil
}
