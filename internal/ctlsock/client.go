package ctlsock

import (
	"encoding/gob"
	"fmt"
	"net"
)

// Client dials a running Server's Unix socket and issues one request per
// call, mirroring miniclient's thin dial-then-gob-roundtrip pattern.
type Client struct {
	path string
}

// Dial returns a Client bound to the socket at path. Unlike Server,
// dialing is lazy: no connection is made until the first call, so a
// short-lived clondikectl process that issues one command doesn't pay
// for a connection it keeps open.
func Dial(path string) *Client {
	return &Client{path: path}
}

func (c *Client) roundTrip(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return Response{}, fmt.Errorf("ctlsock: dial %s: %w", c.path, err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(&req); err != nil {
		return Response{}, fmt.Errorf("ctlsock: encode request: %w", err)
	}
	var resp Response
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ctlsock: decode response: %w", err)
	}
	if resp.Err != "" {
		return Response{}, fmt.Errorf("%s", resp.Err)
	}
	return resp, nil
}

// Read reads path's value from the daemon.
func (c *Client) Read(path string) (string, error) {
	resp, err := c.roundTrip(Request{Op: OpRead, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Write writes data to path.
func (c *Client) Write(path, data string) error {
	_, err := c.roundTrip(Request{Op: OpWrite, Path: path, Data: data})
	return err
}

// List lists the names of path's children.
func (c *Client) List(path string) ([]string, error) {
	resp, err := c.roundTrip(Request{Op: OpList, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
