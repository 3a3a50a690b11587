package netmgr

import (
	"net"
	"testing"
)

func TestNextFreeIPv4SequentialAllocation(t *testing.T) {
	m := New("turbine0")

	cases := []string{"10.88.0.2", "10.88.0.3", "10.88.0.4"}
	for i, want := range cases {
		ip, err := m.nextFreeIPv4()
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if ip.String() != want {
			t.Fatalf("allocation %d = %s, want %s", i, ip, want)
		}
		m.allocatedIPs[want] = []net.IP{ip}
	}
}

func TestNextFreeIPv4SkipsAllocated(t *testing.T) {
	m := New("turbine0")
	m.allocatedIPs["existing"] = []net.IP{net.ParseIP("10.88.0.2")}

	ip, err := m.nextFreeIPv4()
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "10.88.0.3" {
		t.Fatalf("expected allocator to skip .2, got %s", ip)
	}
}

func TestDualStackAllocatesBothFamilies(t *testing.T) {
	m := New("turbine0")
	m.EnableDualStack()

	ips, err := m.allocateAddresses(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 2 {
		t.Fatalf("expected 2 addresses for dual-stack, got %d", len(ips))
	}
	if ips[0].To4() == nil {
		t.Fatal("expected first address to be IPv4")
	}
	if ips[1].To4() != nil {
		t.Fatal("expected second address to be IPv6")
	}
}
