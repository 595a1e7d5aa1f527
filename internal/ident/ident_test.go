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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPFromRoundTrip(t *testing.T) {
	v4 := IPFrom(net.ParseIP("10.0.0.5"))
	assert.True(t, v4.IsIPv4Mapped())
	assert.Equal(t, "10.0.0.5", v4.String())

	v6 := IPFrom(net.ParseIP("2001:db8::1"))
	assert.False(t, v6.IsIPv4Mapped())
	assert.Equal(t, "2001:db8::1", v6.String())
}

func TestIsIPv6LinkLocal(t *testing.T) {
	assert.True(t, IPFrom(net.ParseIP("fe80::1")).IsIPv6LinkLocal())
	assert.False(t, IPFrom(net.ParseIP("2001:db8::1")).IsIPv6LinkLocal())
	assert.False(t, IPFrom(net.ParseIP("10.0.0.1")).IsIPv6LinkLocal())
}

func TestCanonicalNetwork(t *testing.T) {
	net24, isSubnet := CanonicalNetwork(IPFrom(net.ParseIP("10.0.0.1")), 24)
	assert.True(t, isSubnet)
	assert.Equal(t, "10.0.0.0", net24.String())

	host, isSubnet := CanonicalNetwork(IPFrom(net.ParseIP("10.0.0.1")), 32)
	assert.False(t, isSubnet)
	assert.Equal(t, "10.0.0.1", host.String())

	net6, isSubnet := CanonicalNetwork(IPFrom(net.ParseIP("2001:db8::1")), 64)
	assert.True(t, isSubnet)
	assert.Equal(t, "2001:db8::", net6.String())
}

func TestContains(t *testing.T) {
	network, _ := CanonicalNetwork(IPFrom(net.ParseIP("10.0.0.1")), 24)
	assert.True(t, Contains(IPFrom(net.ParseIP("10.0.0.200")), network, 24))
	assert.False(t, Contains(IPFrom(net.ParseIP("10.0.1.200")), network, 24))
}

func TestMACZero(t *testing.T) {
	assert.True(t, ZeroMAC.IsZero())
	m := MACFrom(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x05})
	assert.False(t, m.IsZero())
	assert.Equal(t, "02:00:00:00:00:05", m.String())
}
