//go:build !linux

package main

import (
	"fmt"
	"net/netip"

	"github.com/kuuji/routemesh/internal/netio"
)

// bindRaw is unavailable outside Linux: netio.RawSocket requires
// SOCK_RAW/IPPROTO_RAW, which only raw_linux.go implements.
func bindRaw(addr netip.Addr) (netio.Socket, error) {
	return nil, fmt.Errorf("netio: raw socket backend requires linux")
}
