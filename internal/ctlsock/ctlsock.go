// Package ctlsock exposes an internal/ctlfs tree over a local Unix
// domain socket, so a separate clondikectl process can read and write
// control paths in an already-running ccnd/pend without linking against
// the daemon's own process. Grounded on cmd/miniccc/socket.go's
// accept-loop-plus-gob-codec shape (commandSocketStart/Handle): one
// goroutine per accepted connection, a gob-encoded request/response
// pair per call, no persistent session state.
package ctlsock

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"

	"github.com/clondike-go/clondike/internal/ctlfs"
	"github.com/clondike-go/clondike/internal/mlog"
)

// Op identifies the control-socket operation requested.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpList
)

// Request is the gob-encoded unit clondikectl sends.
type Request struct {
	Op   Op
	Path string
	Data string // OpWrite only
}

// Response is the gob-encoded reply: either Value (OpRead) or Entries
// (OpList) is populated, or Err is set.
type Response struct {
	Value   string
	Entries []string
	Err     string
}

// Server binds root's tree to listen path, serving requests until
// Close. Listen removes and recreates path, matching a Unix socket's
// usual re-bind-on-restart behavior.
type Server struct {
	root *ctlfs.Dir
	ln   net.Listener
}

// Listen creates the Unix socket at path and returns a Server ready for
// Serve. Any stale socket file at path is removed first.
func Listen(path string, root *ctlfs.Dir) (*Server, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock: listen on %s: %w", path, err)
	}
	return &Server{root: root, ln: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			mlog.Debug("ctlsock: accept: %v", err)
			return
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var req Request
	if err := dec.Decode(&req); err != nil {
		mlog.Debug("ctlsock: decode request: %v", err)
		return
	}

	resp := s.dispatch(req)
	if err := enc.Encode(&resp); err != nil {
		mlog.Debug("ctlsock: encode response: %v", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpRead:
		v, err := ctlfs.ReadPath(s.root, req.Path)
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Value: v}
	case OpWrite:
		if err := ctlfs.WritePath(s.root, req.Path, req.Data); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}
	case OpList:
		e, err := ctlfs.Lookup(s.root, req.Path)
		if err != nil {
			return Response{Err: err.Error()}
		}
		d, ok := e.(*ctlfs.Dir)
		if !ok {
			return Response{Err: fmt.Sprintf("ctlsock: %s is not a directory", req.Path)}
		}
		var names []string
		for _, child := range d.Children() {
			names = append(names, child.Name())
		}
		return Response{Entries: names}
	default:
		return Response{Err: fmt.Sprintf("ctlsock: unknown op %d", req.Op)}
	}
}
