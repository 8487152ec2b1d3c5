package gossip

import (
	"fmt"
	"net"
)

// DetectERIPA discovers the externally routable address of this
// machine from the interface tables. The first global unicast IPv4
// wins, loopback is the last resort so single machine simulations
// keep working.
func DetectERIPA() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}

	var loopback string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				loopback = ip.String()
				continue
			}
			if ip.IsGlobalUnicast() {
				return ip.String(), nil
			}
		}
	}
	if loopback != "" {
		return loopback, nil
	}
	return "", fmt.Errorf("no routable address found")
}
