// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/p2pweave/weave/internal/misc"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

var (
	usedPorts   map[uint16]bool = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostPort returns a random port >= 1024 that has not been handed
// out before. Maintains a map of issued ports to avoid collisions between
// parallel tests. Not a perfect solution, but it only has to support testing.
func RandomLocalhostPort() uint16 {
	for {
		port := misc.RandomPort()
		usedPortsMu.Lock()
		if !usedPorts[port] {
			usedPorts[port] = true
			usedPortsMu.Unlock()
			return port
		}
		usedPortsMu.Unlock()
	}
}

// RandomLocalhostAddr returns a "127.0.0.1:port" string on a
// randomly-selected unused port.
func RandomLocalhostAddr() string {
	return "127.0.0.1:" + strconv.FormatUint(uint64(RandomLocalhostPort()), 10)
}

// RandomLocalhostAddrPort is RandomLocalhostAddr as a parsed netip.AddrPort.
func RandomLocalhostAddrPort() netip.AddrPort {
	return netip.MustParseAddrPort(RandomLocalhostAddr())
}
