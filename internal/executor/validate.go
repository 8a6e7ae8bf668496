package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tbancroft/stampede/internal/llm"
)

// ValidateResult checks the tool's claims: every file it reported creating
// or modifying must exist on disk and be non-empty. Paths are resolved
// relative to the invocation's working directory.
func ValidateResult(workDir string, resp *llm.Response) error {
	var claimed []string
	claimed = append(claimed, resp.CreatedFiles...)
	claimed = append(claimed, resp.ModifiedFiles...)

	for _, path := range claimed {
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(workDir, path)
		}

		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("claimed file %s does not exist", path)
		}
		if info.IsDir() {
			return fmt.Errorf("claimed file %s is a directory", path)
		}
		if info.Size() == 0 {
			return fmt.Errorf("claimed file %s is empty", path)
		}
	}

	return nil
}
