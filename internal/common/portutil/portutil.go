// Package portutil allocates free TCP ports for kernel channels.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort allocates an available port on ip using OS assignment.
func AllocatePort(ip string) (int, error) {
	ports, err := AllocatePorts(ip, 1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// AllocatePorts allocates n distinct available ports on ip.
// All listeners are held open until every port is assigned, so the OS
// cannot hand out the same port twice within one call.
func AllocatePorts(ip string, n int) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid port count %d", n)
	}
	if ip == "" {
		ip = "127.0.0.1"
	}

	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate port: %w", err)
		}
		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
