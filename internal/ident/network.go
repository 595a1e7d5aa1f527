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

import (
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

// CanonicalNetwork returns the network address of addr/prefixLen, i.e. the
// lowest address in that CIDR block (spec.md §4.2's "canonical network
// address"). It also reports isSubnet: false when prefixLen is a
// host-route length (/32 for v4, /128 for v6), matching spec.md §3's
// "true_prefixlen (distinguishes /32-or-/128 host routes from real
// subnets)".
func CanonicalNetwork(addr IP, prefixLen int) (network IP, isSubnet bool) {
	bits := 32
	if !addr.IsIPv4Mapped() {
		bits = 128
	}
	if prefixLen >= bits {
		return MaskedTo(addr, prefixLen), false
	}

	ipNet := &net.IPNet{IP: addr.NetIP(), Mask: net.CIDRMask(prefixLen, bits)}
	first, _ := cidr.AddressRange(ipNet)
	return IPFrom(first), true
}

// Contains reports whether ip belongs to the network identified by
// (networkAddr, prefixLen) — spec.md §4.2's NEIGH ADD matching rule:
// "a host is on network N iff mask(ip, N.prefixlen) == N.address".
func Contains(ip, networkAddr IP, prefixLen int) bool {
	return MaskedTo(ip, prefixLen) == networkAddr
}
