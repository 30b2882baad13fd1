package ctlfs

import (
	"fmt"
	"strings"
)

// Path builds e's absolute, "/"-joined control-surface path by walking its
// Parent() chain to the root, the in-process equivalent of
// tcmi_ctlfs_entry_fill_path's predecessor traversal.
func Path(e Entry) string {
	if e == nil {
		return ""
	}
	var segs []string
	for cur := e; cur != nil && cur.Name() != ""; cur = cur.Parent() {
		segs = append([]string{cur.Name()}, segs...)
	}
	return strings.Join(segs, "/")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Lookup resolves a "/"-separated path from root. Symlinks encountered at
// an intermediate component are followed transparently; a symlink at the
// final component is returned as-is, so callers can distinguish "read the
// link" from "read through the link" exactly as readlink(2) does.
func Lookup(root *Dir, path string) (Entry, error) {
	var cur Entry = root
	parts := splitPath(path)
	for i, name := range parts {
		d, ok := cur.(*Dir)
		if !ok {
			return nil, fmt.Errorf("ctlfs: %s is not a directory", Path(cur))
		}
		next, ok := d.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("ctlfs: no such entry %q under %s", name, Path(d))
		}
		if sl, ok := next.(*Symlink); ok && i != len(parts)-1 {
			resolved, err := Lookup(root, sl.Readlink())
			if err != nil {
				return nil, fmt.Errorf("ctlfs: following %s: %w", Path(sl), err)
			}
			next = resolved
		}
		cur = next
	}
	return cur, nil
}

// ReadPath resolves path and reads it: a File invokes its read method; a
// Symlink reports its target's path (spec.md §6's
// "migproc/<pid>/migman→symlink" read).
func ReadPath(root *Dir, path string) (string, error) {
	e, err := Lookup(root, path)
	if err != nil {
		return "", err
	}
	switch v := e.(type) {
	case *File:
		return v.Read()
	case *Symlink:
		return v.Readlink(), nil
	default:
		return "", fmt.Errorf("ctlfs: %s is not readable", path)
	}
}

// WritePath resolves path to a File and invokes its write method.
func WritePath(root *Dir, path string, data string) error {
	e, err := Lookup(root, path)
	if err != nil {
		return err
	}
	f, ok := e.(*File)
	if !ok {
		return fmt.Errorf("ctlfs: %s is not writable", path)
	}
	return f.Write(data)
}
