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

// Package ident holds the small, allocation-light helpers that every
// cache index and wire-format decoder needs: MAC/IP formatting, the
// IPv4-mapped-in-IPv6 encoding used throughout the cache, CIDR masking,
// and byte-exact equality.
package ident

import (
	"net"
)

// MAC is a fixed-size hardware address, used as a map key component so it
// can be compared and hashed without an allocation.
type MAC [6]byte

// ZeroMAC is the all-zero hardware address. A neighbor update carrying this
// address is not yet resolved and must not be cached (spec.md §3, §4.2).
var ZeroMAC MAC

// MACFrom converts a net.HardwareAddr into a MAC. The caller must ensure hw
// is a 6-byte Ethernet address; non-Ethernet addresses are truncated or
// zero-padded rather than rejected, matching the kernel's own leniency for
// unexpected link types.
func MACFrom(hw net.HardwareAddr) MAC {
	var m MAC
	copy(m[:], hw)
	return m
}

// HardwareAddr returns the net.HardwareAddr form of m.
func (m MAC) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, 6)
	copy(hw, m[:])
	return hw
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == ZeroMAC
}

// String renders m in standard colon-separated hex form.
func (m MAC) String() string {
	return m.HardwareAddr().String()
}
