// Package server implements the web server endpoint: it accepts one
// connection at a time on a bound socket, applies the request/response
// policy from internal/httpapp against an internal/resource.Store, and
// sends the response back over the same Conn. A Server is a runner.Task —
// Run loops accepting connections, mirroring the reference server's
// run_server, until its context is canceled or no SYN arrives within the
// transport's per-attempt wait (two seconds).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/kuuji/routemesh/internal/httpapp"
	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/internal/resource"
	"github.com/kuuji/routemesh/internal/transport"
)

// Config configures a Server.
type Config struct {
	LocalAddr     netip.Addr
	Window        uint16
	ResourcesPath string

	Logger *slog.Logger
}

// Server answers one request per accepted connection.
type Server struct {
	cfg   Config
	bind  func(netip.Addr) (netio.Socket, error)
	store *resource.Store
	log   *slog.Logger

	// Handled counts requests successfully served, for tests.
	Handled int
}

// New builds a Server bound through bind, loading its resource table from
// cfg.ResourcesPath (created on first write if absent).
func New(cfg Config, bind func(netip.Addr) (netio.Socket, error)) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := resource.Load(cfg.ResourcesPath)
	if err != nil {
		return nil, fmt.Errorf("server: loading resources: %w", err)
	}
	return &Server{
		cfg:   cfg,
		bind:  bind,
		store: store,
		log:   logger.With("component", "server"),
	}, nil
}

// PutResource seeds or overwrites a resource the server will answer GET
// requests for, bypassing the wire protocol — used to provision content
// before Run starts serving.
func (s *Server) PutResource(path, data string) (resource.Entry, error) {
	return s.store.Put(path, data)
}

// Run binds the listening socket and serves connections until ctx is
// canceled. It also returns nil once an Accept times out waiting for a SYN
// (transport's two-second per-attempt wait), so an idle server stops.
func (s *Server) Run(ctx context.Context) error {
	sock, err := s.bind(s.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("server: binding %s: %w", s.cfg.LocalAddr, err)
	}
	defer sock.Close()

	localIP := ipFromAddr(s.cfg.LocalAddr)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.serveOne(ctx, sock, localIP); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.log.Warn("serving connection", "error", err)
		}
	}
}

func (s *Server) serveOne(ctx context.Context, sock netio.Socket, localIP net.IP) error {
	// Accept reuses the server's one listening socket for every
	// connection, exactly as the reference server never opens a new raw
	// socket per client — so the returned Conn must not close it; the
	// socket's lifetime is owned by Run, not by any one request.
	conn, err := transport.Accept(ctx, sock, localIP, s.cfg.Window, s.log)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	request, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receiving request: %w", err)
	}

	response, isError := httpapp.HandleRequest(s.store, string(request))
	if err := conn.Send(ctx, []byte(response), isError); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}
	s.Handled++
	s.log.Info("request served", "remote_port", conn.RemotePort())
	return nil
}

func ipFromAddr(a netip.Addr) net.IP {
	b := a.As4()
	return net.IPv4(b[0], b[1], b[2], b[3])
}
