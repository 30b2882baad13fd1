//go:build linux

// Command pend is the process execution node daemon: it connects
// outbound to a ccn, receives emigrated processes as guests, and can
// migrate them back home on request. Mirrors cmd/ccnd's bootstrap,
// substituting pen/connect for ccn/listen.
package main

import (
	"context"
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
	fBase    = flag.String("base", "/tmp/clondike/pend", "base directory for the ledger, checkpoint staging area, and control socket")
	fConnect = flag.String("connect", "", "ccn address to connect to immediately at startup, empty to wait for pen/connect")
	fArch    = flag.String("arch", "amd64", "architecture tag advertised to the ccn")
	fKeyFile = flag.String("keyfile", "", "path to a 32-byte shared authentication key")
)

func main() {
	flag.Parse()
	mlog.Init()

	key, err := loadKey(*fKeyFile)
	if err != nil {
		mlog.Fatal("pend: %v", err)
	}

	cfg := daemon.Config{
		Role:     node.RolePEN,
		Arch:     *fArch,
		Key:      key,
		BaseDir:  *fBase,
		SockName: "ctl.sock",
	}

	d, err := daemon.New(cfg)
	if err != nil {
		mlog.Fatal("pend: %v", err)
	}
	defer d.Close()

	ctlfs.BuildPEN(d.Root, d.Node, d.Hooks())

	if err := d.ListenSocket(cfg); err != nil {
		mlog.Fatal("pend: %v", err)
	}

	if *fConnect != "" {
		if _, err := d.Node.Connect(context.Background(), *fConnect, nil); err != nil {
			mlog.Fatal("pend: connect to %s: %v", *fConnect, err)
		}
		mlog.Info("pend: connected to %s", *fConnect)
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
