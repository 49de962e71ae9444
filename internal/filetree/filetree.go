// Package filetree models a project's source files as a flat mapping from
// relative slash paths to file contents or directory markers.
package filetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrInvalidPath is returned for keys that are not clean relative paths.
var ErrInvalidPath = errors.New("invalid path")

// Entry is either a file with contents or a directory marker.
type Entry struct {
	Contents string
	Dir      bool
}

// File returns a file entry.
func File(contents string) Entry { return Entry{Contents: contents} }

// Directory returns a directory entry.
func Directory() Entry { return Entry{Dir: true} }

// Tree maps relative paths to entries. Insertion order is irrelevant.
type Tree map[string]Entry

// CleanPath validates p and returns its canonical form. A trailing slash is
// tolerated; everything else must already be clean.
func CleanPath(p string) (string, error) {
	trimmed := strings.TrimSuffix(p, "/")
	switch {
	case trimmed == "", trimmed == ".":
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	case strings.HasPrefix(trimmed, "/"):
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	case strings.ContainsAny(trimmed, "\\\x00"):
		return "", fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidPath, p)
	case path.Clean(trimmed) != trimmed:
		return "", fmt.Errorf("%w: %q is not clean", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("%w: %q escapes the tree", ErrInvalidPath, p)
		}
	}
	return trimmed, nil
}

// Validate checks every key and rejects trees where a file is used as a
// parent directory of another entry.
func (t Tree) Validate() error {
	for p := range t {
		clean, err := CleanPath(p)
		if err != nil {
			return err
		}
		if clean != p {
			return fmt.Errorf("%w: %q is not canonical", ErrInvalidPath, p)
		}
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if e, ok := t[dir]; ok && !e.Dir {
				return fmt.Errorf("%w: %q is nested under file %q", ErrInvalidPath, p, dir)
			}
		}
	}
	return nil
}

// Has reports whether p is present as a file.
func (t Tree) Has(p string) bool {
	e, ok := t[p]
	return ok && !e.Dir
}

// Paths returns all keys sorted.
func (t Tree) Paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Files returns the number of file entries.
func (t Tree) Files() int {
	n := 0
	for _, e := range t {
		if !e.Dir {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares nothing with t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for p, e := range t {
		out[p] = e
	}
	return out
}

// Normalize returns a copy with explicit directory entries for every
// implicit parent.
func (t Tree) Normalize() Tree {
	out := t.Clone()
	if out == nil {
		out = Tree{}
	}
	for p := range t {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, ok := out[dir]; !ok {
				out[dir] = Directory()
			}
		}
	}
	return out
}

// Equal compares two trees entry by entry.
func (t Tree) Equal(o Tree) bool {
	if len(t) != len(o) {
		return false
	}
	for p, e := range t {
		if oe, ok := o[p]; !ok || oe != e {
			return false
		}
	}
	return true
}

// Parse decodes a tree from either the nested form
// {"name": {"file": {"contents": ".."}}, "dir": {"directory": {..}}}
// or a flat {"path": "contents"} object, then validates it.
func Parse(data []byte) (Tree, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode file tree: %w", err)
	}
	t := Tree{}
	if err := t.decodeLevel("", raw); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

type nestedNode struct {
	File *struct {
		Contents string `json:"contents"`
	} `json:"file,omitempty"`
	Directory map[string]json.RawMessage `json:"directory,omitempty"`
}

func (t Tree) decodeLevel(prefix string, level map[string]json.RawMessage) error {
	for name, rawNode := range level {
		if name == "" || name == "." || name == ".." {
			return fmt.Errorf("%w: bad name %q under %q", ErrInvalidPath, name, prefix)
		}
		p, err := CleanPath(path.Join(prefix, name))
		if err != nil {
			return err
		}
		if _, dup := t[p]; dup {
			return fmt.Errorf("%w: %q appears twice", ErrInvalidPath, p)
		}

		var contents string
		if err := json.Unmarshal(rawNode, &contents); err == nil {
			t[p] = File(contents)
			continue
		}

		var node nestedNode
		if err := json.Unmarshal(rawNode, &node); err != nil {
			return fmt.Errorf("decode %q: %w", p, err)
		}
		switch {
		case node.File != nil:
			t[p] = File(node.File.Contents)
		case node.Directory != nil:
			t[p] = Directory()
			if err := t.decodeLevel(p, node.Directory); err != nil {
				return err
			}
		default:
			return fmt.Errorf("decode %q: entry is neither file nor directory", p)
		}
	}
	return nil
}

// MarshalJSON encodes the nested form used by browser runtimes.
func (t Tree) MarshalJSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	norm := t.Normalize()
	root := map[string]any{}
	dirs := map[string]map[string]any{"": root}
	// Sorted order visits every parent before its children.
	for _, p := range norm.Paths() {
		parent := dirs[parentKey(p)]
		name := path.Base(p)
		if norm[p].Dir {
			children := map[string]any{}
			dirs[p] = children
			parent[name] = map[string]any{"directory": children}
			continue
		}
		parent[name] = map[string]any{"file": map[string]string{"contents": norm[p].Contents}}
	}
	return json.Marshal(root)
}

func parentKey(p string) string {
	if dir := path.Dir(p); dir != "." {
		return dir
	}
	return ""
}

// UnmarshalJSON accepts the same shapes as Parse.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = nil
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
