//go:build linux

package main

import (
	"net/netip"

	"github.com/kuuji/routemesh/internal/netio"
)

// bindRaw adapts netio.BindRaw's concrete *RawSocket return into the
// netio.Socket interface the Binder signature returned by bindFor expects.
func bindRaw(addr netip.Addr) (netio.Socket, error) {
	return netio.BindRaw(addr)
}
