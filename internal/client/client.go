// Package client implements the web client endpoint: it dials a Conn to a
// server through a gateway router, issues one GET or POST, and reports the
// response text. A Client is a runner.Task — Run performs exactly one
// request/response exchange then returns, mirroring the reference client's
// request_resource.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/kuuji/routemesh/internal/httpapp"
	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/internal/transport"
)

// Config configures one client request.
type Config struct {
	LocalAddr   netip.Addr
	ServerAddr  netip.Addr
	ServerPort  uint16
	Gateway     netip.Addr
	Resource    string
	Method      string // "GET" or "POST"; defaults to "GET"
	Body        string // used when Method is "POST"
	IfModifiedSince time.Time
	Window      uint16

	Logger *slog.Logger
}

// Client performs one request/response exchange against a server.
type Client struct {
	cfg  Config
	bind func(netip.Addr) (netio.Socket, error)
	log  *slog.Logger

	// Response holds the server's response text once Run completes
	// successfully.
	Response string
}

// New builds a Client bound through bind (typically a Fabric's Bind or
// BindRaw).
func New(cfg Config, bind func(netip.Addr) (netio.Socket, error)) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		bind: bind,
		log:  logger.With("component", "client"),
	}
}

// Run dials the server, sends the configured request, and waits for the
// response. It implements runner.Task.
func (c *Client) Run(ctx context.Context) error {
	sock, err := c.bind(c.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("client: binding %s: %w", c.cfg.LocalAddr, err)
	}
	defer sock.Close()

	localIP := ipFromAddr(c.cfg.LocalAddr)
	remoteIP := ipFromAddr(c.cfg.ServerAddr)

	conn, err := transport.Dial(ctx, sock, localIP, remoteIP, c.cfg.ServerPort, c.cfg.Gateway, c.cfg.Window, c.log)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	defer conn.Close()

	method := c.cfg.Method
	if method == "" {
		method = "GET"
	}

	var request string
	switch method {
	case "GET":
		request = httpapp.BuildGetRequest(c.cfg.ServerAddr.String(), c.cfg.Resource, c.cfg.IfModifiedSince)
	case "POST":
		request = httpapp.BuildPostRequest(c.cfg.ServerAddr.String(), c.cfg.Resource, c.cfg.Body)
	default:
		return fmt.Errorf("client: unsupported method %q", method)
	}

	if err := conn.Send(ctx, []byte(request), false); err != nil {
		return fmt.Errorf("client: sending request: %w", err)
	}
	c.log.Info("request sent", "method", method, "resource", c.cfg.Resource)

	resp, err := conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("client: receiving response: %w", err)
	}
	c.Response = string(resp)
	c.log.Info("response received", "bytes", len(resp))
	return nil
}

func ipFromAddr(a netip.Addr) net.IP {
	b := a.As4()
	return net.IPv4(b[0], b[1], b[2], b[3])
}
