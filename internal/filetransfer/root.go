package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Root confines file access to one directory tree.
type Root struct {
	dir string
}

// NewRoot creates a Root for dir. The directory must exist.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, ErrDisabled
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	return &Root{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// containsDangerousChars reports NUL and control characters.
func containsDangerousChars(path string) bool {
	for _, c := range path {
		if c == 0 || unicode.IsControl(c) {
			return true
		}
	}
	return false
}

// Resolve maps a slash-separated path relative to the root onto the local
// filesystem. Names are NFC-normalised so differently composed forms of
// one name resolve alike. Paths that leave the root, directly or through a
// symlink, fail with ErrOutsideRoot.
func (r *Root) Resolve(rel string) (string, error) {
	if containsDangerousChars(rel) {
		return "", fmt.Errorf("%w: invalid characters", ErrOutsideRoot)
	}
	rel = norm.NFC.String(filepath.FromSlash(rel))
	clean := filepath.Clean(string(filepath.Separator) + rel)
	full := filepath.Join(r.dir, clean)
	if !isUnder(full, r.dir) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	// The deepest existing ancestor must still be under the root once
	// symlinks are followed.
	ancestor := full
	for {
		resolved, err := filepath.EvalSymlinks(ancestor)
		if err == nil {
			if !isUnder(resolved, r.dir) {
				return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
			}
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor || !isUnder(parent, r.dir) {
			break
		}
		ancestor = parent
	}
	return full, nil
}

// SafeName reduces an offered file name to a single path element.
func SafeName(name string) (string, error) {
	if containsDangerousChars(name) {
		return "", fmt.Errorf("%w: invalid characters in name", ErrRejected)
	}
	base := filepath.Base(filepath.Clean(filepath.FromSlash(norm.NFC.String(name))))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("%w: invalid name %q", ErrRejected, name)
	}
	if strings.HasSuffix(base, ".partial") || strings.HasSuffix(base, ".partial.json") {
		return "", fmt.Errorf("%w: reserved name %q", ErrRejected, name)
	}
	return base, nil
}

// isUnder reports whether path is dir or inside it.
func isUnder(path, dir string) bool {
	if path == dir {
		return true
	}
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(path, dir)
}

// List returns the entries of a directory under the root, directories
// first, then by name. Partial download files are hidden.
func (r *Root) List(rel string) ([]Entry, error) {
	dir, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("path not found: %s", rel)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", rel)
	}

	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if strings.HasSuffix(name, ".partial") || strings.HasSuffix(name, ".partial.json") {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			// Broken symlink.
			continue
		}
		entries = append(entries, Entry{
			Name:    name,
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime().UTC(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
