// Package fdcache implements the checkpoint engine's open-file dedup
// table: a bounded association list from file identity to the first file
// descriptor that identity was emitted under, scoped to one checkpoint
// stream.
package fdcache

// Identity names the underlying open-file object a descriptor refers to,
// not the descriptor number — two fds that are dup()s of each other share
// an Identity. Device and inode alone are not sufficient (two independent
// opens of the same path have distinct file-table entries with distinct
// offsets), so callers derive Identity from the kernel's struct-file
// pointer or local equivalent, not from path/device/inode.
type Identity uintptr

type entry struct {
	identity Identity
	fd       int
}

// Cache is a bounded association list keyed by file identity. It is built
// fresh for each checkpoint stream (sized from the open-file count at
// checkpoint start) and discarded when the stream completes.
type Cache struct {
	entries []entry
	cap     int
}

// New returns a Cache pre-sized for capacity entries. capacity is the
// open-file count counted in checkpoint step 1; Insert beyond it panics,
// since that would mean the counted and emitted open-file sets diverged.
func New(capacity int) *Cache {
	return &Cache{entries: make([]entry, 0, capacity), cap: capacity}
}

// Lookup returns the earliest-inserted fd recorded under identity, if any.
func (c *Cache) Lookup(identity Identity) (fd int, ok bool) {
	for _, e := range c.entries {
		if e.identity == identity {
			return e.fd, true
		}
	}
	return 0, false
}

// Insert records that identity was first emitted under fd. It is a no-op
// if identity is already present (the earliest insertion wins, per
// Lookup's contract).
func (c *Cache) Insert(identity Identity, fd int) {
	if _, ok := c.Lookup(identity); ok {
		return
	}
	if len(c.entries) >= c.cap {
		panic("fdcache: insert exceeds capacity counted at checkpoint start")
	}
	c.entries = append(c.entries, entry{identity: identity, fd: fd})
}

// Len reports the number of distinct identities recorded so far.
func (c *Cache) Len() int {
	return len(c.entries)
}
