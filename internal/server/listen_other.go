//go:build !linux

package server

import "net"

// Listen opens the worker's TCP listener. Without SO_REUSEPORT support only
// a single worker can bind the address; multi-worker mode is Linux-only.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
