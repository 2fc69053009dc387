package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

// List enumerates artifact files under root: files directly in root and
// files one level down (per-task directories). Names are slash separated and
// relative to root.
func List(root string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		switch {
		case e.Type().IsRegular():
			if HasExt(e.Name(), exts) {
				out = append(out, e.Name())
			}
		case e.IsDir():
			sub, err := Snapshot(filepath.Join(root, e.Name()), exts)
			if err != nil {
				return nil, err
			}
			for _, name := range sub.Sorted() {
				out = append(out, path.Join(e.Name(), name))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Locate maps a slash-separated artifact name to an existing file under root.
// Names that escape root, carry a foreign extension or point at anything but
// a regular file are rejected.
func Locate(root, name string, exts []string) (string, error) {
	if name == "" || strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !HasExt(clean, exts) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, filepath.FromSlash(clean))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return full, nil
}
