package deliverable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ErikWegner/jqm/id"
)

// Repository moves payload-added files into a node's deliverable
// directory and records them via a Store. It never leaves a Deliverable
// row referencing a file that isn't there: the row is only inserted
// after the move (and, for cross-device moves, its fsync) succeeds.
type Repository struct {
	store Store
	root  string
}

// NewRepository returns a Repository rooted at dir (a node's dlRepo).
func NewRepository(store Store, dir string) *Repository {
	return &Repository{store: store, root: dir}
}

// Move relocates srcPath into the repository, hashes its content, and
// inserts a Deliverable row for instanceID. On any failure before the
// row insert, srcPath is left untouched and no row is created.
func (r *Repository) Move(ctx context.Context, instanceID id.InstanceID, srcPath, label string, implicit bool) (*Deliverable, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("deliverable: stat source: %w", err)
	}

	sum, err := hashFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("deliverable: hash source: %w", err)
	}

	dstPath := filepath.Join(r.root, sum[:2], sum)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("deliverable: prepare destination: %w", err)
	}

	if err := moveFile(srcPath, dstPath); err != nil {
		return nil, fmt.Errorf("deliverable: move: %w", err)
	}

	d := &Deliverable{
		ID:         id.NewDeliverableID(),
		InstanceID: instanceID,
		Label:      label,
		Path:       dstPath,
		Hash:       sum,
		SizeBytes:  info.Size(),
		Implicit:   implicit,
	}
	if err := r.store.Insert(ctx, d); err != nil {
		return nil, fmt.Errorf("deliverable: insert: %w", err)
	}

	return d, nil
}

// moveFile implements move-then-commit: same-device moves use the
// atomic os.Rename; cross-device moves (syscall.EXDEV) fall back to
// copy+fsync+remove, since rename cannot cross filesystem boundaries.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	return copyThenRemove(src, dst)
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	return os.Remove(src)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
