package artifact

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Set is the collection of artifact names present in a directory at one instant.
type Set map[string]struct{}

// Snapshot lists regular files directly inside dir whose extension is one of
// exts. A directory that does not exist yet yields an empty set.
func Snapshot(dir string, exts []string) (Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Set{}, nil
		}
		return nil, err
	}
	set := make(Set, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if HasExt(e.Name(), exts) {
			set[e.Name()] = struct{}{}
		}
	}
	return set, nil
}

func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Diff returns the sorted names in after that were not in before.
func Diff(before, after Set) []string {
	out := []string{}
	for name := range after {
		if _, ok := before[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasExt reports whether name ends in one of exts, ignoring case. Entries in
// exts may omit the leading dot.
func HasExt(name string, exts []string) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	for _, want := range exts {
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
