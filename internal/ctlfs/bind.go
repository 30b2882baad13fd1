package ctlfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/clondike-go/clondike/internal/migmgr"
	"github.com/clondike-go/clondike/internal/node"
	"github.com/clondike-go/clondike/internal/task"
)

// Hooks bundles what the binding layer needs beyond the node manager
// itself: factories for the checkpoint-backed requests EmigratePPM and
// MigrateHomeAll take, which live outside ctlfs per spec.md §9's
// global-singleton note ("structure them as explicitly-initialized
// objects passed by reference through the control-FS binding layer rather
// than as true globals").
type Hooks struct {
	// NewEmigrateRequest builds the checkpoint-writing request for
	// ccn/mig/emigrate-ppm-p given the local pid to emigrate.
	NewEmigrateRequest func(localPID int) (task.EmigrateRequest, error)
	// NewMigrateBackRequest builds the checkpoint-writing request for a
	// single guest task during migrate-home-all.
	NewMigrateBackRequest func(t *task.Task) task.MigrateBackRequest
	// OnMigrated, if set, is called after a migration operation
	// triggered through the control surface finishes, success or not,
	// so a caller can journal it (internal/ledger) without ctlfs taking
	// a direct dependency on the journal's storage engine.
	OnMigrated func(kind string, localPID, remotePID int, nodeID uint32, status string)
}

func (h Hooks) record(kind string, localPID, remotePID int, nodeID uint32, err error) {
	if h.OnMigrated == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	h.OnMigrated(kind, localPID, remotePID, nodeID, status)
}

func (h Hooks) recordStatus(kind string, localPID, remotePID int, nodeID uint32, status fmt.Stringer) {
	if h.OnMigrated == nil {
		return
	}
	h.OnMigrated(kind, localPID, remotePID, nodeID, status.String())
}

// mountConfig is the fs-mount/fs-mount-device/fs-mount-options triple
// announced during authentication (spec.md §6); ccn/ and pen/ each keep
// their own.
type mountConfig struct {
	mu      sync.Mutex
	mount   string
	device  string
	options string
}

func bindMounter(parent *Dir, cfg *mountConfig) {
	d := NewDir(parent, "mounter")
	NewFile(d, "fs-mount",
		func() (string, error) { cfg.mu.Lock(); defer cfg.mu.Unlock(); return cfg.mount, nil },
		func(v string) error { cfg.mu.Lock(); cfg.mount = v; cfg.mu.Unlock(); return nil })
	NewFile(d, "fs-mount-device",
		func() (string, error) { cfg.mu.Lock(); defer cfg.mu.Unlock(); return cfg.device, nil },
		func(v string) error { cfg.mu.Lock(); cfg.device = v; cfg.mu.Unlock(); return nil })
	NewFile(d, "fs-mount-options",
		func() (string, error) { cfg.mu.Lock(); defer cfg.mu.Unlock(); return cfg.options, nil },
		func(v string) error { cfg.mu.Lock(); cfg.options = v; cfg.mu.Unlock(); return nil })
}

// bindManagerDir builds the ccn/nodes/<n> (or pen/nodes/<n>) subtree for a
// single connected migmgr.Manager: state, and the ctrlconn triple
// (spec.md §6). On the PEN side newMigrateBack is non-nil and adds
// migrate-home-all, scoped to just this manager's own guest tasks.
func bindManagerDir(parent Entry, slot int, m *migmgr.Manager, newMigrateBack func(t *task.Task) task.MigrateBackRequest, hooks Hooks) *Dir {
	d := newDir(parent, strconv.Itoa(slot))
	NewFile(d, "state", func() (string, error) { return m.State().String(), nil }, nil)

	conns := NewDir(d, "connections")
	ctrlconn := NewDir(conns, "ctrlconn")
	NewFile(ctrlconn, "arch", func() (string, error) { return m.PeerArch, nil }, nil)
	NewFile(ctrlconn, "localname", func() (string, error) {
		return fmt.Sprintf("node-%d", m.LocalNodeID), nil
	}, nil)
	NewFile(ctrlconn, "peername", func() (string, error) {
		return fmt.Sprintf("node-%d", m.PeerNodeID), nil
	}, nil)

	if newMigrateBack != nil {
		NewFile(d, "migrate-home-all", nil, func(string) error {
			for _, t := range m.ChildTasks() {
				if t.Kind == task.KindGuest {
					status := t.MigrateBackPPM(newMigrateBack(t))
					hooks.recordStatus("migrate-home-all", t.LocalPID, t.RemotePID, m.PeerNodeID, status)
				}
			}
			return nil
		})
	}
	return d
}

// bindNodesDir builds the dynamically-listed nodes/ directory: one
// subtree per currently-occupied slot, regenerated on every access since
// the slot vector changes as peers connect and disconnect.
func bindNodesDir(parent *Dir, n *node.Manager, newMigrateBack func(t *task.Task) task.MigrateBackRequest, hooks Hooks) *Dir {
	nodes := NewDir(parent, "nodes")
	nodes.SetList(func() []Entry {
		mgrs := n.Managers()
		out := make([]Entry, 0, len(mgrs))
		for slot, m := range mgrs {
			out = append(out, bindManagerDir(nodes, slot, m, newMigrateBack, hooks))
		}
		return out
	})
	return nodes
}

// bindMigprocDir builds ccn/mig/migproc (or pen's mirror): one subtree per
// child task across every slot's manager, keyed by local pid, each with a
// remote-pid file and a migman symlink back to its owning nodes/<n> entry
// (spec.md §6's "migproc/<pid>/{migman→symlink, remote-pid}").
func bindMigprocDir(parent *Dir, n *node.Manager, nodes *Dir) *Dir {
	migproc := NewDir(parent, "migproc")
	migproc.SetList(func() []Entry {
		var out []Entry
		for slot, m := range n.Managers() {
			for _, t := range m.ChildTasks() {
				d := newDir(migproc, strconv.Itoa(t.LocalPID))
				NewFile(d, "remote-pid", func() (string, error) {
					return strconv.Itoa(t.RemotePID), nil
				}, nil)
				// target is a path marker only — it is never looked up
				// itself, just walked by Path() to build the symlink's
				// readlink string (ccn/nodes/<slot>).
				NewSymlink(d, "migman", newDir(nodes, strconv.Itoa(slot)))
				out = append(out, d)
			}
		}
		return out
	})
	return migproc
}

// BuildCCN wires n (a RoleCCN node.Manager) into a fresh ccn/ subtree under
// root, implementing every ccn/* path spec.md §6 names.
func BuildCCN(root *Dir, n *node.Manager, hooks Hooks) *Dir {
	ccn := NewDir(root, "ccn")

	NewFile(ccn, "listen", nil, func(v string) error {
		_, addr, err := splitArchAddr(v)
		if err != nil {
			return err
		}
		return n.Listen(addr)
	})

	listeningOn := NewDir(ccn, "listening-on")
	listeningOn.SetList(func() []Entry {
		addrs := n.ListeningOn()
		out := make([]Entry, 0, len(addrs))
		for i, addr := range addrs {
			d := newDir(listeningOn, strconv.Itoa(i))
			NewFile(d, "iface", func() (string, error) { return addr, nil }, nil)
			out = append(out, d)
		}
		return out
	})

	NewFile(ccn, "stop-listen-all", nil, func(string) error {
		n.StopListenAll()
		return nil
	})
	NewFile(ccn, "stop-listen-one", nil, func(v string) error {
		idx, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		addrs := n.ListeningOn()
		if idx < 0 || idx >= len(addrs) {
			return fmt.Errorf("ctlfs: no listener at index %d", idx)
		}
		return n.StopListenOne(addrs[idx])
	})

	nodes := bindNodesDir(ccn, n, nil, hooks)

	mig := NewDir(ccn, "mig")
	NewFile(mig, "emigrate-ppm-p", nil, func(v string) error {
		pid, slot, err := parseTwoInts(v)
		if err != nil {
			return err
		}
		if hooks.NewEmigrateRequest == nil {
			return fmt.Errorf("ctlfs: no emigrate request factory configured")
		}
		req, err := hooks.NewEmigrateRequest(pid)
		if err != nil {
			return err
		}
		_, err = n.EmigratePPM(context.Background(), pid, slot, req)
		hooks.record("emigrate-ppm", pid, 0, 0, err)
		return err
	})
	NewFile(mig, "migrate-home", nil, func(v string) error {
		pid, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		err = n.MigrateHomePPM(pid)
		hooks.record("migrate-home", pid, 0, 0, err)
		return err
	})
	bindMigprocDir(mig, n, nodes)

	bindMounter(ccn, &mountConfig{})

	return ccn
}

// BuildPEN wires n (a RolePEN node.Manager) into a fresh pen/ subtree,
// mirroring BuildCCN plus pen/connect and pen/nodes/<n>/migrate-home-all
// (spec.md §6).
func BuildPEN(root *Dir, n *node.Manager, hooks Hooks) *Dir {
	pen := NewDir(root, "pen")

	NewFile(pen, "connect", nil, func(v string) error {
		_, addr, authData, err := splitConnectArg(v)
		if err != nil {
			return err
		}
		_, err = n.Connect(context.Background(), addr, authData)
		return err
	})

	nodes := bindNodesDir(pen, n, hooks.NewMigrateBackRequest, hooks)

	mig := NewDir(pen, "mig")
	NewFile(mig, "migrate-home", nil, func(v string) error {
		pid, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		err = n.MigrateHomePPM(pid)
		hooks.record("migrate-home", pid, 0, 0, err)
		return err
	})
	bindMigprocDir(mig, n, nodes)

	bindMounter(pen, &mountConfig{})

	return pen
}

func splitArchAddr(v string) (arch, addr string, err error) {
	v = strings.TrimSpace(v)
	i := strings.IndexByte(v, ':')
	if i < 0 {
		return "", "", fmt.Errorf("ctlfs: expected \"arch:addr\", got %q", v)
	}
	return v[:i], v[i+1:], nil
}

func splitConnectArg(v string) (arch, addr string, authData []byte, err error) {
	v = strings.TrimSpace(v)
	if at := strings.IndexByte(v, '@'); at >= 0 {
		authData = []byte(v[at+1:])
		v = v[:at]
	}
	arch, addr, err = splitArchAddr(v)
	return arch, addr, authData, err
}

func parseTwoInts(v string) (a, b int, err error) {
	fields := strings.Fields(strings.ReplaceAll(v, ",", " "))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("ctlfs: expected \"pid manager_id\", got %q", v)
	}
	a, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	b, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
