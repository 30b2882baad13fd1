package migmgr

// Filter describes a subset of connected nodes by identity, the way
// minicli's VM filters narrow a command to matching guests by name/UUID/
// tag rather than acting on every VM. Empty fields match anything; a
// non-empty Tags entry must match exactly. No control-surface command or
// node-manager operation applies a Filter; ccn/mig/emigrate-ppm-p
// addresses one manager slot directly.
type Filter struct {
	NodeID   uint32
	Hostname string
	Arch     string
	OS       string
	MAC      string
	IP       string
	Tags     map[string]string
}

// Match reports whether n satisfies f. A zero Filter matches every node.
func (f Filter) Match(n NodeInfo) bool {
	if f.NodeID != 0 && f.NodeID != n.NodeID {
		return false
	}
	if f.Hostname != "" && f.Hostname != n.Hostname {
		return false
	}
	if f.Arch != "" && f.Arch != n.Arch {
		return false
	}
	if f.OS != "" && f.OS != n.OS {
		return false
	}
	if f.MAC != "" && f.MAC != n.MAC {
		return false
	}
	if f.IP != "" && f.IP != n.IP {
		return false
	}
	for k, v := range f.Tags {
		if n.Tags[k] != v {
			return false
		}
	}
	return true
}

// NodeInfo is the subset of a connected peer's identity a Filter matches
// against. The node manager does not build one during authentication.
type NodeInfo struct {
	NodeID   uint32
	Hostname string
	Arch     string
	OS       string
	MAC      string
	IP       string
	Tags     map[string]string
}
