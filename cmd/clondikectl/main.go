// Command clondikectl is the scriptable one-shot CLI for a running
// ccnd/pend, dialing its control socket for a single read, write, or
// list and printing the result, the way minimega's -e flag attaches to
// an already-running instance for one command rather than opening an
// interactive shell (spec.md §6: a scriptable CLI, not a REPL).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/clondike-go/clondike/internal/ctlsock"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: clondikectl -sock <path> <read|write|list> <path> [data]")
	flag.PrintDefaults()
}

func main() {
	sock := flag.String("sock", "", "path to the daemon's control socket")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if *sock == "" || len(args) < 2 {
		usage()
		os.Exit(2)
	}

	op := args[0]
	path := args[1]
	c := ctlsock.Dial(*sock)

	switch strings.ToLower(op) {
	case "read":
		v, err := c.Read(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(v)
	case "write":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		if err := c.Write(path, args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "list":
		entries, err := c.List(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Println(e)
		}
	default:
		usage()
		os.Exit(2)
	}
}
