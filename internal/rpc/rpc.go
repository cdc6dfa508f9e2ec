// Package rpc exposes daemon status over a unix socket for the
// reporting tool.
package rpc

import (
	"errors"
	"net"
	"net/rpc"
	"os"

	"go.uber.org/zap"

	"github.com/ntsal/ntsal/pkg/ntsal"
)

// StatusSource is what the daemon side must provide.
type StatusSource interface {
	State() ntsal.State
	Estimate() *ntsal.Estimate
	Peers() []ntsal.PeerInfo
}

// Status is the full answer to a report query.
type Status struct {
	State    string
	Estimate *ntsal.Estimate
	Peers    []ntsal.PeerInfo
}

type handler struct {
	source StatusSource
}

func (h *handler) FetchStatus(args int, reply *Status) error {
	*reply = Status{
		State:    h.source.State().String(),
		Estimate: h.source.Estimate(),
		Peers:    h.source.Peers(),
	}
	return nil
}

// Server serves status queries on a unix socket.
type Server struct {
	Socket string
	Source StatusSource
	Log    *zap.Logger

	listener net.Listener
}

// Listen binds the socket and serves until Close. A stale socket file
// from a previous run is removed first.
func (s *Server) Listen() error {
	if err := os.Remove(s.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName("Status", &handler{source: s.Source}); err != nil {
		return err
	}

	l, err := net.Listen("unix", s.Socket)
	if err != nil {
		return err
	}
	s.listener = l

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Log.Warn("rpc accept failed", zap.Error(err))
			continue
		}
		go srv.ServeConn(conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// FetchStatus queries a running daemon over its unix socket.
func FetchStatus(socket string) (*Status, error) {
	client, err := rpc.Dial("unix", socket)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var status Status
	if err := client.Call("Status.FetchStatus", 0, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
