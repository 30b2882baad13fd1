package ctlfs

import "sync"

// Dir is the tree-node entry type, grounded on tcmi_ctlfs_dir.c. A Dir
// either holds a static set of children added via Add (the common case:
// ccn/, ccn/mig/, ccn/mounter/) or, when list is set via SetList, regenerates
// its children on every access (ccn/listening-on, ccn/nodes,
// ccn/mig/migproc) — the Go-idiomatic equivalent of the original's runtime
// entry creation/destruction as peers connect and disconnect, expressed as
// a pure snapshot function instead of incremental mutation.
type Dir struct {
	name   string
	parent Entry

	mu       sync.RWMutex
	children map[string]Entry
	list     func() []Entry
}

// NewRootDir creates the tree's root, the in-process analog of
// tcmi_ctlfs_rootdir_new (no parent, empty name).
func NewRootDir() *Dir {
	return newDir(nil, "")
}

// NewDir creates a child directory and registers it under parent.
func NewDir(parent *Dir, name string) *Dir {
	d := newDir(parent, name)
	if parent != nil {
		parent.Add(d)
	}
	return d
}

// newDir builds a Dir without registering it with parent, for the
// ephemeral subtrees a dynamic listing function (SetList) synthesizes on
// each call — those are never looked up by name through parent, only
// returned directly from the closure, so registering them would just leak
// stale entries into a map nobody reads.
func newDir(parent Entry, name string) *Dir {
	return &Dir{name: name, parent: parent, children: make(map[string]Entry)}
}

func (d *Dir) Name() string  { return d.name }
func (d *Dir) Kind() Kind    { return KindDir }
func (d *Dir) Parent() Entry { return d.parent }

// Add registers child under d, overwriting any existing entry of the same
// name.
func (d *Dir) Add(child Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[child.Name()] = child
}

// Remove drops the named child, if any.
func (d *Dir) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.children, name)
}

// SetList marks d as a dynamically-populated directory: Children and
// Lookup call fn fresh on every access instead of consulting the static
// child map.
func (d *Dir) SetList(fn func() []Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = fn
}

// Children returns every entry currently under d.
func (d *Dir) Children() []Entry {
	d.mu.RLock()
	list := d.list
	d.mu.RUnlock()
	if list != nil {
		return list()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.children))
	for _, c := range d.children {
		out = append(out, c)
	}
	return out
}

// Lookup finds the named immediate child.
func (d *Dir) Lookup(name string) (Entry, bool) {
	d.mu.RLock()
	list := d.list
	d.mu.RUnlock()
	if list != nil {
		for _, c := range list() {
			if c.Name() == name {
				return c, true
			}
		}
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.children[name]
	return c, ok
}
