// Package topology loads a simulated network's layout from a TOML file: the
// set of routers, each with its interfaces and directly attached
// connections, and the client/server endpoints that sit at its edges.
package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/routemesh/internal/router"
)

// InterfaceSpec is one router interface as written in TOML.
type InterfaceSpec struct {
	Name  string `toml:"name"`
	Local string `toml:"local"`
	Peer  string `toml:"peer"`
}

// ConnectionSpec is one directly attached connection as written in TOML.
type ConnectionSpec struct {
	Dest      string `toml:"dest"`
	Cost      int    `toml:"cost"`
	Interface string `toml:"interface"`
}

// RouterSpec is one router's full configuration as written in TOML.
type RouterSpec struct {
	ID          string           `toml:"id"`
	Interfaces  []InterfaceSpec  `toml:"interfaces"`
	Connections []ConnectionSpec `toml:"connections"`
}

// EndpointSpec describes a client or server attachment point: its own
// address and the gateway (router interface) it reaches the mesh through.
type EndpointSpec struct {
	Addr    string `toml:"addr"`
	Gateway string `toml:"gateway"`
	Port    uint16 `toml:"port,omitempty"`
}

// Topology is a complete simulated network as loaded from TOML.
type Topology struct {
	Router []RouterSpec `toml:"router"`
	Client EndpointSpec `toml:"client"`
	Server EndpointSpec `toml:"server"`
}

// Load reads path as a TOML topology file.
func Load(path string) (*Topology, error) {
	var t Topology
	if _, err := toml.DecodeFile(path, &t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("topology file not found: %w", err)
		}
		return nil, fmt.Errorf("reading topology file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Parse decodes a TOML topology from a string, used by tests and by the
// embedded six-router sample.
func Parse(s string) (*Topology, error) {
	var t Topology
	if _, err := toml.Decode(s, &t); err != nil {
		return nil, fmt.Errorf("decoding topology: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) validate() error {
	seen := make(map[string]bool, len(t.Router))
	for _, r := range t.Router {
		if r.ID == "" {
			return errors.New("topology: router with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("topology: duplicate router id %s", r.ID)
		}
		seen[r.ID] = true
		for _, ifc := range r.Interfaces {
			if _, err := netip.ParseAddr(ifc.Local); err != nil {
				return fmt.Errorf("topology: router %s interface %s: invalid local address: %w", r.ID, ifc.Name, err)
			}
			if _, err := netip.ParseAddr(ifc.Peer); err != nil {
				return fmt.Errorf("topology: router %s interface %s: invalid peer address: %w", r.ID, ifc.Name, err)
			}
		}
	}
	return nil
}

// RouterConfigs converts every RouterSpec into a router.Config, ready to be
// handed to router.New along with a Binder.
func (t *Topology) RouterConfigs() ([]router.Config, error) {
	configs := make([]router.Config, 0, len(t.Router))
	for _, spec := range t.Router {
		cfg := router.Config{ID: spec.ID}
		for _, ifc := range spec.Interfaces {
			local, err := netip.ParseAddr(ifc.Local)
			if err != nil {
				return nil, fmt.Errorf("router %s: %w", spec.ID, err)
			}
			peer, err := netip.ParseAddr(ifc.Peer)
			if err != nil {
				return nil, fmt.Errorf("router %s: %w", spec.ID, err)
			}
			cfg.Interfaces = append(cfg.Interfaces, router.Interface{Name: ifc.Name, Local: local, Peer: peer})
		}
		for _, conn := range spec.Connections {
			cfg.Connections = append(cfg.Connections, router.Connection{
				Dest: conn.Dest, Cost: conn.Cost, Interface: conn.Interface,
			})
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// GatewayAddr returns the endpoint's gateway as a netip.Addr — the address
// of the router interface it should send its first hop to.
func (e EndpointSpec) GatewayAddr() (netip.Addr, error) {
	return netip.ParseAddr(e.Gateway)
}

// LocalAddr returns the endpoint's own bound address.
func (e EndpointSpec) LocalAddr() (netip.Addr, error) {
	return netip.ParseAddr(e.Addr)
}
