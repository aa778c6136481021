// Package vault provides typed, race-safe access to the on-disk vault
// tree. The vault is the authoritative store for intakes, plans, and
// approvals; approval state changes only through atomic renames between
// its fixed folders.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/valet/fault"
)

// Sentinel errors for vault operations.
var (
	ErrOutsideVault  = errors.New("path escapes the vault root")
	ErrProtectedPath = errors.New("path is inside a protected folder")
	ErrCrossDevice   = errors.New("move would cross filesystems")
)

// Store provides file operations rooted at the vault directory. All
// paths are vault-relative; absolute paths and traversal are rejected.
type Store struct {
	root string
}

// NewStore creates a store for the given vault root. The root must
// exist; the fixed tree beneath it is created on demand by EnsureTree.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(fault.KindVault, "resolve vault root", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fault.Wrap(fault.KindVault, "stat vault root", err)
	}
	if !info.IsDir() {
		return nil, fault.Newf(fault.KindVault, "vault root is not a directory: %s", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute vault root path.
func (s *Store) Root() string { return s.root }

// EnsureTree creates the fixed vault directory layout if missing.
func (s *Store) EnsureTree() error {
	for _, dir := range tree {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fault.Wrap(fault.KindVault, fmt.Sprintf("create directory %s", dir), err)
		}
	}
	return nil
}

// resolve validates a vault-relative path and returns its absolute form.
func (s *Store) resolve(rel string) (string, string, error) {
	if filepath.IsAbs(rel) {
		return "", "", fault.Wrap(fault.KindVault, rel, ErrOutsideVault)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fault.Wrap(fault.KindVault, rel, ErrOutsideVault)
	}
	return filepath.Join(s.root, clean), filepath.ToSlash(clean), nil
}

// Read returns the contents of a vault file.
func (s *Store) Read(rel string) ([]byte, error) {
	abs, _, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fault.Wrap(fault.KindVault, fmt.Sprintf("read %s", rel), err)
	}
	return data, nil
}

// WriteAtomic writes data to a vault file via a temporary file and an
// atomic rename. The parent directory must be in the vault allow-list;
// it is never created implicitly outside it.
func (s *Store) WriteAtomic(rel string, data []byte) error {
	abs, clean, err := s.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.ToSlash(filepath.Dir(clean))
	if !allowedParent(dir) {
		return fault.Newf(fault.KindVault, "write parent %s is outside the vault tree", dir)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("create parent of %s", rel), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("create temp for %s", rel), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.KindVault, fmt.Sprintf("write temp for %s", rel), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.KindVault, fmt.Sprintf("sync temp for %s", rel), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindVault, fmt.Sprintf("close temp for %s", rel), err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindVault, fmt.Sprintf("rename temp into %s", rel), err)
	}
	return nil
}

// Move relocates a vault file with an atomic rename. It never falls
// back to copy-then-delete: a cross-device rename fails loudly with
// ErrCrossDevice so a misconfigured vault is caught, not masked.
func (s *Store) Move(srcRel, dstRel string) error {
	src, _, err := s.resolve(srcRel)
	if err != nil {
		return err
	}
	dst, dstClean, err := s.resolve(dstRel)
	if err != nil {
		return err
	}
	dir := filepath.ToSlash(filepath.Dir(dstClean))
	if !allowedParent(dir) {
		return fault.Newf(fault.KindVault, "move destination parent %s is outside the vault tree", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("create parent of %s", dstRel), err)
	}
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && isCrossDevice(linkErr.Err) {
			return fault.Wrap(fault.KindVault, fmt.Sprintf("move %s -> %s", srcRel, dstRel), ErrCrossDevice)
		}
		return fault.Wrap(fault.KindVault, fmt.Sprintf("move %s -> %s", srcRel, dstRel), err)
	}
	return nil
}

// List returns vault-relative paths matching a doublestar glob pattern,
// sorted lexically for deterministic iteration.
func (s *Store) List(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fault.Newf(fault.KindVault, "invalid glob pattern: %s", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(s.root), pattern)
	if err != nil {
		return nil, fault.Wrap(fault.KindVault, fmt.Sprintf("glob %s", pattern), err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Exists reports whether a vault path exists.
func (s *Store) Exists(rel string) (bool, error) {
	abs, _, err := s.resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fault.Wrap(fault.KindVault, fmt.Sprintf("stat %s", rel), err)
	}
	return true, nil
}

// Delete removes a vault file. Files inside Pending_Approval/,
// Approved/, Rejected/, or any Plans/ subtree are refused; approval
// history is relocated by moves, never deleted.
func (s *Store) Delete(rel string) error {
	abs, clean, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if isProtected(clean) {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("delete %s", rel), ErrProtectedPath)
	}
	if err := os.Remove(abs); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("delete %s", rel), err)
	}
	return nil
}

// Append appends data to a vault file using append-only open semantics.
// Used for the audit mirror and other log-shaped files.
func (s *Store) Append(rel string, data []byte) error {
	abs, clean, err := s.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.ToSlash(filepath.Dir(clean))
	if !allowedParent(dir) {
		return fault.Newf(fault.KindVault, "append parent %s is outside the vault tree", dir)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("create parent of %s", rel), err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("open %s for append", rel), err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("append to %s", rel), err)
	}
	if err := f.Sync(); err != nil {
		return fault.Wrap(fault.KindVault, fmt.Sprintf("sync %s", rel), err)
	}
	return nil
}
