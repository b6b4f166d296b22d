package discovery

import (
	"net"
	"net/netip"
	"sort"
)

// Address preference classes, lowest first.
const (
	prefGlobal6 = iota
	prefUniqueLocal6
	prefLinkLocal6
	prefOther6
	prefIPv4
	prefLoopback
	prefMulticast
	prefInvalid
)

// SortIPsByPreference returns a copy of ips ordered by how likely a
// CoAP client can reach them: global IPv6, unique-local IPv6
// (fc00::/7), link-local IPv6, other IPv6, IPv4, then loopback and
// multicast. Addresses of the same class keep their order.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}
	sorted := append([]net.IP(nil), ips...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return preference(sorted[i]) < preference(sorted[j])
	})
	return sorted
}

func preference(ip net.IP) int {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return prefInvalid
	}
	addr = addr.Unmap()

	switch {
	case addr.IsLoopback():
		return prefLoopback
	case addr.IsMulticast():
		return prefMulticast
	case addr.Is4():
		return prefIPv4
	case addr.IsPrivate():
		return prefUniqueLocal6
	case addr.IsLinkLocalUnicast():
		return prefLinkLocal6
	case addr.IsGlobalUnicast():
		return prefGlobal6
	}
	return prefOther6
}
