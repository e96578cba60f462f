// Package source lists the documents of a run.
package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir discovers files under one or more root directories. Document ids are
// slash-separated paths relative to the root they were found under, prefixed
// with the root's index when there is more than one root, so ids are stable
// across machines that mount the roots at different paths.
type Dir struct {
	Roots      []string
	Extensions []string
}

// NewDir returns a Dir over roots accepting files with the given extensions.
// An empty extension list accepts every regular file.
func NewDir(roots, extensions []string) *Dir {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &Dir{Roots: roots, Extensions: exts}
}

// Discover walks every root in lexical order and yields accepted files.
func (d *Dir) Discover(ctx context.Context, yield func(documentID string) error) error {
	for i, root := range d.Roots {
		err := filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.IsDir() {
				if path != root && strings.HasPrefix(e.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !e.Type().IsRegular() || !d.accepts(path) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return yield(d.id(i, filepath.ToSlash(rel)))
		})
		if err != nil {
			return fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return nil
}

// Resolve maps a document id back to a path on this machine.
func (d *Dir) Resolve(documentID string) (string, error) {
	idx, rel := 0, documentID
	if len(d.Roots) > 1 {
		var n int
		if _, err := fmt.Sscanf(documentID, "%d:", &n); err != nil {
			return "", fmt.Errorf("document id %q has no root prefix", documentID)
		}
		idx = n
		rel = documentID[strings.IndexByte(documentID, ':')+1:]
	}
	if idx < 0 || idx >= len(d.Roots) {
		return "", fmt.Errorf("document id %q refers to unknown root %d", documentID, idx)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("document id %q escapes its root", documentID)
	}
	return filepath.Join(d.Roots[idx], clean), nil
}

// ID returns the document id of path if it lies under one of the roots.
// Link discovery uses it to turn resolved link targets into ids.
func (d *Dir) ID(path string) (string, bool) {
	for i, root := range d.Roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		if !d.accepts(path) {
			return "", false
		}
		return d.id(i, filepath.ToSlash(rel)), true
	}
	return "", false
}

func (d *Dir) id(rootIndex int, rel string) string {
	if len(d.Roots) > 1 {
		return fmt.Sprintf("%d:%s", rootIndex, rel)
	}
	return rel
}

func (d *Dir) accepts(path string) bool {
	if len(d.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range d.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}
