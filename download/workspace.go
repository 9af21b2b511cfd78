package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// RequestPrefix starts every per-request artifact name in the temp dir.
const RequestPrefix = "req-"

// Workspace hands out request-scoped paths inside one temp directory.
type Workspace struct {
	Dir string
	// MinFreeBytes is kept free on top of twice the expected artifact size.
	MinFreeBytes uint64
	// freeBytes is swappable for tests.
	freeBytes func(dir string) (uint64, error)
}

// NewWorkspace creates dir if needed.
func NewWorkspace(dir string, minFreeBytes uint64) (*Workspace, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tubedrop")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir temp dir: %w", err)
	}
	return &Workspace{Dir: dir, MinFreeBytes: minFreeBytes, freeBytes: FreeBytes}, nil
}

// NewRequest returns a fresh request id and the output base path for it.
// Two calls never return the same path.
func (w *Workspace) NewRequest() (id, base string) {
	id = uuid.NewString()
	return id, filepath.Join(w.Dir, RequestPrefix+id)
}

// Writable checks that a file can be created in the temp dir.
func (w *Workspace) Writable() error {
	f, err := os.CreateTemp(w.Dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("temp dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Preflight fails with ErrInsufficientSpace when the temp dir cannot hold
// twice expectedBytes plus the configured reserve. An unknown size (0) only
// checks the reserve.
func (w *Workspace) Preflight(expectedBytes int64) error {
	free := w.freeBytes
	if free == nil {
		free = FreeBytes
	}
	available, err := free(w.Dir)
	if err != nil {
		// cannot measure; let the fetch find out
		return nil
	}
	required := w.MinFreeBytes
	if expectedBytes > 0 {
		required += 2 * uint64(expectedBytes)
	}
	if available < required {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, formatBytes(required), formatBytes(available))
	}
	return nil
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
