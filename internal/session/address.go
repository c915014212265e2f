package session

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strings"
)

// StringToAddress converts a dotted IPv4 address, optionally followed by a
// port, into its numeric form. Host names are resolved. Unresolvable input
// yields zero.
func StringToAddress(address string) uint32 {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return 0
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return addrToUint32(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return 0
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return binary.BigEndian.Uint32(v4)
		}
	}
	return 0
}

// AddressToString renders a numeric IPv4 address in dotted form.
func AddressToString(host uint32) string {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], host)
	return netip.AddrFrom4(raw).String()
}

func addrToUint32(ip netip.Addr) uint32 {
	ip = ip.Unmap()
	if !ip.Is4() {
		return 0
	}
	raw := ip.As4()
	return binary.BigEndian.Uint32(raw[:])
}
