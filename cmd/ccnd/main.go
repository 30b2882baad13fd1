//go:build linux

// Command ccnd is the cache/control node daemon: it accepts connections
// from pen nodes, exposes the ccn/ control surface over a local Unix
// socket, and drives preemptive/non-preemptive emigration against
// whichever process on this host a clondikectl command names. Grounded
// on cmd/minimega/main.go's flag-parse-then-run shape and
// cmd/miniccc/client.go's per-process state bootstrap (daemon.New).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clondike-go/clondike/internal/ctlfs"
	"github.com/clondike-go/clondike/internal/daemon"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/node"
)

var (
	fBase    = flag.String("base", "/tmp/clondike/ccnd", "base directory for the ledger, checkpoint staging area, and control socket")
	fListen  = flag.String("listen", "", "address to listen on immediately at startup, empty to wait for ccn/listen")
	fArch    = flag.String("arch", "amd64", "architecture tag advertised to connecting pen nodes")
	fKeyFile = flag.String("keyfile", "", "path to a 32-byte shared authentication key")
)

func main() {
	flag.Parse()
	mlog.Init()

	key, err := loadKey(*fKeyFile)
	if err != nil {
		mlog.Fatal("ccnd: %v", err)
	}

	cfg := daemon.Config{
		Role:     node.RoleCCN,
		Arch:     *fArch,
		Key:      key,
		BaseDir:  *fBase,
		SockName: "ctl.sock",
	}

	d, err := daemon.New(cfg)
	if err != nil {
		mlog.Fatal("ccnd: %v", err)
	}
	defer d.Close()

	ctlfs.BuildCCN(d.Root, d.Node, d.Hooks())

	if err := d.ListenSocket(cfg); err != nil {
		mlog.Fatal("ccnd: %v", err)
	}

	if *fListen != "" {
		if err := d.Node.Listen(*fListen); err != nil {
			mlog.Fatal("ccnd: listen on %s: %v", *fListen, err)
		}
		mlog.Info("ccnd: listening on %s", *fListen)
	}

	waitForShutdown()
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func loadKey(path string) ([32]byte, error) {
	var key [32]byte
	if path == "" {
		return key, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("reading key file %s: %w", path, err)
	}
	if len(raw) < 32 {
		return key, fmt.Errorf("key file %s is shorter than 32 bytes", path)
	}
	copy(key[:], raw[:32])
	return key, nil
}
