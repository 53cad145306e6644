package testutil

import (
	"fmt"
	"net"
	"sync"
)

var (
	// recentPorts holds ports handed out recently so rapid successive calls
	// do not return the same port before the first caller binds it.
	recentPorts   []int
	recentPortsMu sync.Mutex
)

const maxTrackedPorts = 1000

// GetFreePort returns a TCP port on 127.0.0.1 that was free at the time of
// the call. It panics if no port can be allocated.
func GetFreePort() int {
	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if !containsPort(recentPorts, port) {
			recentPorts = append(recentPorts, port)
			if len(recentPorts) > maxTrackedPorts {
				recentPorts = recentPorts[1:]
			}
			return port
		}
	}
	panic("failed to get unique free port after 100 attempts")
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// GetFreeAddress returns "127.0.0.1:<port>" for a port from GetFreePort.
func GetFreeAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", GetFreePort())
}
