// Copyright 2020 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ident

import "net"

// IP is a fixed 16-byte address, always carried in IPv4-mapped form for v4
// addresses (spec.md §3 "Network" attributes), so it is a valid composite
// map key component on its own.
type IP [16]byte

// v4InV6Prefix is the canonical ::ffff:0:0/96 prefix used to embed an IPv4
// address in 16 bytes.
var v4InV6Prefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// IPFrom converts a net.IP (4- or 16-byte form) into the 16-byte IPv4-mapped
// representation used throughout the cache.
func IPFrom(ip net.IP) IP {
	var out IP
	if v4 := ip.To4(); v4 != nil {
		copy(out[:12], v4InV6Prefix[:])
		copy(out[12:], v4)
		return out
	}
	copy(out[:], ip.To16())
	return out
}

// NetIP returns the net.IP form of ip, using the 4-byte representation when
// ip is IPv4-mapped so callers that branch on len() behave as expected.
func (ip IP) NetIP() net.IP {
	if ip.IsIPv4Mapped() {
		v4 := make(net.IP, 4)
		copy(v4, ip[12:])
		return v4
	}
	out := make(net.IP, 16)
	copy(out, ip[:])
	return out
}

// IsIPv4Mapped reports whether ip carries an IPv4 address in its low 4
// bytes, i.e. whether N.ip (spec.md §4.4) should pick the ipv4 sysctl
// branch and an ARP probe rather than an NS.
func (ip IP) IsIPv4Mapped() bool {
	for i := 0; i < 12; i++ {
		if ip[i] != v4InV6Prefix[i] {
			return false
		}
	}
	return true
}

// IsIPv6LinkLocal reports whether ip is an IPv6 link-local address
// (fe80::/10), used by the ADDR ADD policy's link-local filter
// (spec.md §4.2, gated by -l / disable_ipv6ll_filter).
func (ip IP) IsIPv6LinkLocal() bool {
	if ip.IsIPv4Mapped() {
		return false
	}
	return ip[0] == 0xfe && ip[1]&0xc0 == 0x80
}

// String renders ip in its natural (v4 or v6) textual form.
func (ip IP) String() string {
	return ip.NetIP().String()
}

// MaskedTo zeros all bits beyond prefixLen, returning the canonical network
// address for that prefix (spec.md §4.2 ADDR ADD: "compute the canonical
// network address by zeroing all bits beyond prefixlen"). prefixLen is
// expressed in the address family's own terms (0-32 for v4, 0-128 for v6),
// matching the "prefixlen" the kernel reports for an address.
func MaskedTo(ip IP, prefixLen int) IP {
	if ip.IsIPv4Mapped() {
		return IPFrom(ip.NetIP().Mask(net.CIDRMask(prefixLen, 32)))
	}
	return IPFrom(ip.NetIP().Mask(net.CIDRMask(prefixLen, 128)))
}
