package filetree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkipDirs are never read back from disk; they hold install artifacts, not sources.
var SkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// Mount writes every entry of t under root, creating parents as needed.
// Writes go through an os.Root, so a symlink left in root by a running
// program cannot redirect them outside it.
func Mount(root string, t Tree) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}
	r, err := os.OpenRoot(root)
	if err != nil {
		return fmt.Errorf("open mount root: %w", err)
	}
	defer r.Close()
	return mountIn(r, t)
}

func mountIn(r *os.Root, t Tree) error {
	for _, p := range t.Paths() {
		name := filepath.FromSlash(p)
		e := t[p]
		if e.Dir {
			if err := r.MkdirAll(name, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", p, err)
			}
			continue
		}
		if dir := filepath.Dir(name); dir != "." {
			if err := r.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("mkdir parent of %s: %w", p, err)
			}
		}
		if err := r.WriteFile(name, []byte(e.Contents), 0644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}

// Sync mounts next under root and removes paths that prev had but next does
// not. Directories that still hold files outside next are left in place.
func Sync(root string, prev, next Tree) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}
	r, err := os.OpenRoot(root)
	if err != nil {
		return fmt.Errorf("open mount root: %w", err)
	}
	defer r.Close()
	if err := mountIn(r, next); err != nil {
		return err
	}

	keep := next.Normalize()
	stale := make([]string, 0)
	for p := range prev.Normalize() {
		if _, ok := keep[p]; !ok {
			stale = append(stale, p)
		}
	}
	// Deepest first so directories are empty by the time we reach them.
	sort.Slice(stale, func(i, j int) bool {
		return strings.Count(stale[i], "/") > strings.Count(stale[j], "/")
	})
	for _, p := range stale {
		name := filepath.FromSlash(p)
		err := r.Remove(name)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if info, statErr := r.Lstat(name); statErr == nil && info.IsDir() {
			continue
		}
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// ReadDir reads the tree rooted at root, skipping SkipDirs and symlinks.
func ReadDir(root string) (Tree, error) {
	t := Tree{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if SkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			t[rel] = Directory()
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		t[rel] = File(string(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", root, err)
	}
	return t, nil
}
