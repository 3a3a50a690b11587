// Package netmgr allocates per-container network addresses and wires
// either a Linux bridge + veth pair (namespaced-bridge mode) or a
// slirp4netns userspace NAT (userspace mode) for each container, plus
// port forwarding. It is one of the three shared mutable managers; the
// caller (internal/orchestrator) is responsible for holding the Network
// lock around every call.
package netmgr

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

// DefaultIPv4Subnet is used when a container's network config doesn't
// specify one.
const DefaultIPv4Subnet = "10.88.0.0/24"

const netnsDir = "/tmp/turbine-netns"

// Mode is which strategy the Manager uses to wire container networking.
type Mode int

const (
	ModeBridge Mode = iota
	ModeSlirp4netns
)

// PortForward is a pending slirp4netns port-forward the Process Manager
// must pass when it spawns the per-container slirp4netns helper.
type PortForward struct {
	HostPort      uint16
	ContainerPort uint16
}

// Manager is the Network Manager (C7): it owns allocated_ips,
// port_mappings, and container_ports, and knows how to wire and tear
// down both bridge-mode and slirp4netns-mode container networking.
type Manager struct {
	bridgeName string
	mode       Mode
	dualStack  bool

	allocatedIPs   map[string][]net.IP
	portMappings   map[uint16]string
	containerPorts map[string][]config.PortMapping
}

// New probes for slirp4netns on PATH and returns a Manager configured
// for the resulting mode.
func New(bridgeName string) *Manager {
	mode := ModeBridge
	if _, err := exec.LookPath("slirp4netns"); err == nil {
		mode = ModeSlirp4netns
	}
	return &Manager{
		bridgeName:     bridgeName,
		mode:           mode,
		allocatedIPs:   make(map[string][]net.IP),
		portMappings:   make(map[uint16]string),
		containerPorts: make(map[string][]config.PortMapping),
	}
}

// Mode reports the manager's current wiring strategy.
func (m *Manager) Mode() Mode { return m.mode }

// SetupBridge creates the persistent network namespace file and the
// bridge device inside it (bridge mode only; a no-op in slirp4netns
// mode). It is idempotent.
func (m *Manager) SetupBridge() error {
	if m.mode != ModeBridge {
		return nil
	}
	if err := ensureNetnsFile(m.bridgeName); err != nil {
		return err
	}
	if bridgeExists(m.bridgeName) {
		return nil
	}
	la := netlink.NewLinkAttrs()
	la.Name = m.bridgeName
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "creating bridge device")
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "bringing up bridge device")
	}
	_, ipnet, err := net.ParseCIDR(DefaultIPv4Subnet)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "parsing default subnet")
	}
	hostAddr := firstHostAddress(ipnet)
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: hostAddr, Mask: ipnet.Mask}}
	if err := netlink.AddrAdd(br, addr); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "assigning bridge address")
	}
	return nil
}

func bridgeExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

func ensureNetnsFile(bridgeName string) error {
	if err := exec.Command("mkdir", "-p", netnsDir).Run(); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "creating netns directory")
	}
	nsPath := fmt.Sprintf("%s/%s", netnsDir, bridgeName)
	// touch then bind-mount /proc/self/ns/net onto it, matching the
	// reference runtime's approach to a persistent namespace file.
	if err := exec.Command("touch", nsPath).Run(); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "creating netns file")
	}
	cmd := exec.Command("mount", "--bind", "/proc/self/ns/net", nsPath)
	out, err := cmd.CombinedOutput()
	if err != nil && !alreadyMounted(out) {
		return turbineerr.Newf(turbineerr.KindNetwork, "binding netns file failed: %s", turbineerr.TruncateStderr(string(out)))
	}
	return nil
}

func alreadyMounted(out []byte) bool {
	// A second bind-mount of the same source/target commonly fails with
	// "already mounted" style messages; treat that as success so
	// SetupBridge stays idempotent.
	s := strings.ToLower(string(out))
	return strings.Contains(s, "already") || strings.Contains(s, "busy")
}

func firstHostAddress(ipnet *net.IPNet) net.IP {
	ip := append(net.IP(nil), ipnet.IP.To4()...)
	if ip == nil {
		ip = append(net.IP(nil), ipnet.IP.To16()...)
	}
	ip[len(ip)-1] |= 1
	return ip
}

// SetupContainerNetwork allocates addresses, wires veth/bridge or
// records port mappings for slirp4netns, and installs DNAT rules in
// bridge mode.
func (m *Manager) SetupContainerNetwork(c *registry.Container) error {
	ips, err := m.allocateAddresses(c)
	if err != nil {
		return err
	}
	m.allocatedIPs[c.ID] = ips

	for _, p := range c.Config.Ports {
		if owner, exists := m.portMappings[p.HostPort]; exists && owner != c.ID {
			delete(m.allocatedIPs, c.ID)
			return turbineerr.Newf(turbineerr.KindNetwork, "Port %d is already in use", p.HostPort)
		}
	}
	m.containerPorts[c.ID] = append([]config.PortMapping(nil), c.Config.Ports...)

	if m.mode == ModeSlirp4netns {
		for _, p := range c.Config.Ports {
			m.portMappings[p.HostPort] = c.ID
		}
		return nil
	}

	id8 := shortID(c.ID)
	hostVeth := "veth-" + id8
	containerVeth := "veth-c-" + id8
	if err := m.createVethPair(hostVeth, containerVeth); err != nil {
		m.rollbackAllocation(c.ID)
		return err
	}
	if err := m.attachToBridge(hostVeth); err != nil {
		m.rollbackAllocation(c.ID)
		return err
	}
	if err := m.configureContainerInterface(containerVeth, ips); err != nil {
		m.rollbackAllocation(c.ID)
		return err
	}
	for _, p := range c.Config.Ports {
		for _, ip := range ips {
			if err := m.setupPortForwarding(p, ip); err != nil {
				m.rollbackAllocation(c.ID)
				return err
			}
		}
		m.portMappings[p.HostPort] = c.ID
	}
	return nil
}

func (m *Manager) rollbackAllocation(containerID string) {
	delete(m.allocatedIPs, containerID)
	delete(m.containerPorts, containerID)
}

func shortID(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}

func (m *Manager) createVethPair(host, container string) error {
	la := netlink.NewLinkAttrs()
	la.Name = host
	veth := &netlink.Veth{LinkAttrs: la, PeerName: container}
	if err := netlink.LinkAdd(veth); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "creating veth pair")
	}
	return nil
}

func (m *Manager) attachToBridge(hostVeth string) error {
	br, err := netlink.LinkByName(m.bridgeName)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "finding bridge device")
	}
	link, err := netlink.LinkByName(hostVeth)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "finding host veth")
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "attaching veth to bridge")
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "bringing up host veth")
	}
	return nil
}

func (m *Manager) configureContainerInterface(containerVeth string, ips []net.IP) error {
	link, err := netlink.LinkByName(containerVeth)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "finding container veth")
	}
	for _, ip := range ips {
		prefix := 24
		if ip.To4() == nil {
			prefix = 64
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, prefixBits(ip))}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return turbineerr.Wrap(turbineerr.KindNetwork, err, "assigning container address")
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return turbineerr.Wrap(turbineerr.KindNetwork, err, "bringing up container veth")
	}
	return nil
}

func prefixBits(ip net.IP) int {
	if ip.To4() != nil {
		return 32
	}
	return 128
}

func (m *Manager) setupPortForwarding(p config.PortMapping, ip net.IP) error {
	bin := "iptables"
	if ip.To4() == nil {
		bin = "ip6tables"
	}
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	cmd := exec.Command(bin, "-t", "nat", "-A", "PREROUTING",
		"-p", proto, "--dport", fmt.Sprintf("%d", p.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", ip.String(), p.ContainerPort))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return turbineerr.Newf(turbineerr.KindNetwork, "installing DNAT rule failed: %s", turbineerr.TruncateStderr(string(out)))
	}
	return nil
}

// PendingSlirpForwards returns the port-forward arguments the Process
// Manager must pass when spawning slirp4netns for this container.
func (m *Manager) PendingSlirpForwards(containerID string) []PortForward {
	var out []PortForward
	for _, p := range m.containerPorts[containerID] {
		out = append(out, PortForward{HostPort: p.HostPort, ContainerPort: p.ContainerPort})
	}
	return out
}

// CleanupContainerNetwork reverses SetupContainerNetwork: best-effort
// veth deletion, DNAT rule removal, and dropping all map entries for the
// container.
func (m *Manager) CleanupContainerNetwork(c *registry.Container) error {
	if m.mode == ModeBridge {
		id8 := shortID(c.ID)
		hostVeth := "veth-" + id8
		if link, err := netlink.LinkByName(hostVeth); err == nil {
			_ = netlink.LinkDel(link)
		}
		for _, p := range m.containerPorts[c.ID] {
			for _, ip := range m.allocatedIPs[c.ID] {
				m.cleanupPortForwarding(p, ip)
			}
		}
	}
	for _, p := range m.containerPorts[c.ID] {
		delete(m.portMappings, p.HostPort)
	}
	delete(m.allocatedIPs, c.ID)
	delete(m.containerPorts, c.ID)
	return nil
}

func (m *Manager) cleanupPortForwarding(p config.PortMapping, ip net.IP) {
	bin := "iptables"
	if ip.To4() == nil {
		bin = "ip6tables"
	}
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	cmd := exec.Command(bin, "-t", "nat", "-D", "PREROUTING",
		"-p", proto, "--dport", fmt.Sprintf("%d", p.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", ip.String(), p.ContainerPort))
	_ = cmd.Run() // best effort, matching the reference teardown's warn-only semantics
}

// CleanupBridge removes the bridge device. Called on global cleanup
// only, never per-container.
func (m *Manager) CleanupBridge() error {
	if m.mode != ModeBridge {
		return nil
	}
	link, err := netlink.LinkByName(m.bridgeName)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

// AllocatedIPs returns the addresses assigned to containerID, if any.
func (m *Manager) AllocatedIPs(containerID string) []net.IP {
	return m.allocatedIPs[containerID]
}
