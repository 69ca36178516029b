// Package resolver maps request paths onto files under a static root
// without touching the filesystem.
package resolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"asset-edge/internal/model"
)

// DefaultIndex is served for the root path and for paths ending in "/".
const DefaultIndex = "index.html"

// Resolver resolves request paths against a fixed root directory.
type Resolver struct {
	root  string
	index string
}

// New creates a Resolver for root. The root is made absolute and cleaned
// once here; an empty index selects DefaultIndex.
func New(root, index string) (*Resolver, error) {
	if root == "" {
		return nil, errors.New("resolver: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolver: absolute root %q: %w", root, err)
	}
	if index == "" {
		index = DefaultIndex
	}
	if strings.ContainsAny(index, `/\`) {
		return nil, fmt.Errorf("resolver: index %q must be a plain file name", index)
	}
	return &Resolver{root: abs, index: index}, nil
}

// Root returns the absolute root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve resolves requested against the resolver's root.
func (r *Resolver) Resolve(requested string) model.ResolvedPath {
	return Resolve(r.root, r.index, requested)
}

// Resolve resolves requested against root, which must be absolute and clean.
//
// Leading slashes are stripped, an empty path becomes index and a trailing
// slash appends index. The remainder is cleaned lexically and joined onto
// root. The result is within root only if it equals root or lies below it on
// a segment boundary.
func Resolve(root, index, requested string) model.ResolvedPath {
	rp := model.ResolvedPath{OriginalPath: requested}

	if strings.IndexByte(requested, 0) >= 0 {
		return rp
	}

	rel := strings.TrimLeft(requested, "/")
	switch {
	case rel == "":
		rel = index
	case strings.HasSuffix(rel, "/"):
		rel += index
	}

	abs := filepath.Join(root, filepath.Clean(filepath.FromSlash(rel)))
	rp.AbsolutePath = abs
	rp.WithinRoot = contains(root, abs)
	return rp
}

// contains reports whether path is root or a descendant of root. Both must
// be clean absolute paths.
func contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
