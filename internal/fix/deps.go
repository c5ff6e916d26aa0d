package fix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/remedy/internal/classify"
)

// manifestName is the dependency manifest ensured at the repository root.
const manifestName = "requirements.txt"

const manifestStub = "# Auto-generated by remedy because a dependency check failed.\n" +
	"# Pin the packages this project needs, one per line.\n"

// EnsureManifest creates the dependency manifest when it is missing.
// Succeeds without touching anything if the manifest already exists, since
// a resolution failure against a present manifest needs a human decision
// about versions.
func EnsureManifest(ctx context.Context, f classify.Failure, repoRoot string) error {
	path := filepath.Join(repoRoot, manifestName)

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", manifestName, err)
	}

	if err := os.WriteFile(path, []byte(manifestStub), 0644); err != nil {
		return fmt.Errorf("create %s: %w", manifestName, err)
	}
	return nil
}
