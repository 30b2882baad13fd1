// Package ctlfs implements the control surface described in spec.md §6:
// a hierarchical key/value namespace exposing node-manager and migration-
// manager operations to an operator. It is grounded on
// _examples/original_source/src/tcmi/ctlfs/tcmi_ctlfs_*.c's entry/dir/
// file/symlink class split — a real tree, not a flat map, so a directory
// like ccn/nodes/<n>/connections/ctrlconn can be walked and
// ccn/mig/migproc/<pid>/migman can be a genuine symlink entry. Unlike the
// original, which mounts into the kernel VFS, this tree lives entirely
// in-process (spec.md §1 keeps the real control pseudo-filesystem out of
// scope and treats it as "a pure key/value surface"); Lookup/ReadPath/
// WritePath are the in-process stand-in for VFS path resolution.
package ctlfs

// Kind distinguishes the three entry types the original tcmi_ctlfs class
// hierarchy provides.
type Kind int

const (
	KindDir Kind = iota
	KindFile
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry is the common surface of Dir, File, and Symlink, mirroring
// tcmi_ctlfs_entry's role as the common base every concrete entry type
// embeds.
type Entry interface {
	Name() string
	Kind() Kind
	Parent() Entry
}
