// Package browse provides a stateless, read-only directory listing for
// the UI's path picker, sandboxed to the project root.
package browse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrOutsideRoot is returned for paths that escape the project root.
var ErrOutsideRoot = errors.New("path is outside the project root")

// Item is one directory entry in a listing.
type Item struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Listing is the browse response: entries plus the resolved path, both
// relative to the project root.
type Listing struct {
	CurrentPath string `json:"current_path"`
	Items       []Item `json:"items"`
}

// Browser lists directories under a fixed root.
type Browser struct {
	root string
}

// NewBrowser creates a browser rooted at the given directory.
func NewBrowser(root string) (*Browser, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &Browser{root: abs}, nil
}

// List returns the entries of one directory. Relative paths resolve
// against the root; escapes are rejected.
func (b *Browser) List(path string) (Listing, error) {
	rel, err := b.resolve(path)
	if err != nil {
		return Listing{}, err
	}

	abs := filepath.Join(b.root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return Listing{}, fmt.Errorf("path does not exist: %s", path)
	}
	if !info.IsDir() {
		return Listing{}, fmt.Errorf("not a directory: %s", path)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return Listing{}, fmt.Errorf("read directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	items := lo.Map(entries, func(entry os.DirEntry, _ int) Item {
		kind := "file"
		if entry.IsDir() {
			kind = "dir"
		}
		return Item{
			Name: entry.Name(),
			Path: filepath.ToSlash(filepath.Join(rel, entry.Name())),
			Type: kind,
		}
	})

	// Parent entry, clamped at the root.
	if rel != "." {
		parent := filepath.ToSlash(filepath.Dir(rel))
		items = append([]Item{{Name: "..", Path: parent, Type: "dir"}}, items...)
	}

	return Listing{
		CurrentPath: filepath.ToSlash(rel),
		Items:       items,
	}, nil
}

// resolve normalizes a request path to a root-relative path, rejecting
// escapes.
func (b *Browser) resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "."
	}

	abs := trimmed
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(b.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return rel, nil
}
