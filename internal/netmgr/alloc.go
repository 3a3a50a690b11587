package netmgr

import (
	"net"

	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

func (m *Manager) allocateAddresses(c *registry.Container) ([]net.IP, error) {
	var ips []net.IP

	ip4, err := m.nextFreeIPv4()
	if err != nil {
		return nil, err
	}
	ips = append(ips, ip4)

	if m.dualStack {
		ip6, err := m.nextFreeIPv6()
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip6)
	}
	return ips, nil
}

func (m *Manager) nextFreeIPv4() (net.IP, error) {
	_, ipnet, _ := net.ParseCIDR(DefaultIPv4Subnet)
	base := ipnet.IP.To4()
	for host := 2; host <= 255; host++ {
		candidate := net.IPv4(base[0], base[1], base[2], byte(host)).To4()
		if !m.ipInUse(candidate) {
			return candidate, nil
		}
	}
	return nil, turbineerr.New(turbineerr.KindNetwork, "IPv4 address space exhausted")
}

func (m *Manager) nextFreeIPv6() (net.IP, error) {
	base := net.ParseIP("fd00::")
	for host := 2; host <= 0xFFFF; host++ {
		candidate := make(net.IP, len(base))
		copy(candidate, base)
		candidate[14] = byte(host >> 8)
		candidate[15] = byte(host & 0xFF)
		if !m.ipInUse(candidate) {
			return candidate, nil
		}
	}
	return nil, turbineerr.New(turbineerr.KindNetwork, "IPv6 address space exhausted")
}

func (m *Manager) ipInUse(candidate net.IP) bool {
	for _, ips := range m.allocatedIPs {
		for _, ip := range ips {
			if ip.Equal(candidate) {
				return true
			}
		}
	}
	return false
}

// EnableDualStack switches the manager's allocation strategy to assign
// both an IPv4 and an IPv6 address to every subsequently created
// container, per the DualStack network config option.
func (m *Manager) EnableDualStack() { m.dualStack = true }
