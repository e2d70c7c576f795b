package hostprobe

import (
	"net"
	"time"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// reachPorts are tried in order for each endpoint; a connection on any one
// of them counts as reachable. 443 and 53 are the ports most hosts leave
// open outbound even with a restrictive firewall in place.
var reachPorts = []string{"443", "53"}

// Reachability probes each configured endpoint and reports whether at
// least one was reachable. A bare IP literal is dialed directly; a
// hostname that fails to resolve is treated as unreachable for that
// endpoint rather than failing the whole probe, since DNS itself may be
// the thing the watched change broke.
func Reachability(endpoints []string, timeout time.Duration) types.ReachabilityResult {
	result := types.ReachabilityResult{
		Latencies: make(map[string]time.Duration, len(endpoints)),
		CheckedAt: time.Now(),
	}

	for _, endpoint := range endpoints {
		start := time.Now()
		if dialAny(endpoint, timeout) {
			result.Latencies[endpoint] = time.Since(start)
			result.Reachable = true
		}
	}
	return result
}

func dialAny(endpoint string, timeout time.Duration) bool {
	for _, port := range reachPorts {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(endpoint, port), timeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}
