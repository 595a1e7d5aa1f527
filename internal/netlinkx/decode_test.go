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

package netlinkx

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/events"
)

func TestDecodeLinkSelfParentsWhenRoot(t *testing.T) {
	l := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "br0"}}
	ev := decodeLink(l)
	assert.Equal(t, 2, ev.Ifindex)
	assert.Equal(t, 2, ev.LinkIfindex)
}

func TestDecodeLinkVlanReportsParent(t *testing.T) {
	l := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{Index: 5, Name: "br0.10", ParentIndex: 2},
		VlanId:    10,
	}
	ev := decodeLink(l)
	assert.Equal(t, 2, ev.LinkIfindex)
	assert.True(t, ev.HasVLAN)
	assert.Equal(t, uint16(10), ev.VlanID)
}

func TestDecodeAddrAddAndDel(t *testing.T) {
	add := netlink.AddrUpdate{
		LinkIndex:   2,
		NewAddr:     true,
		LinkAddress: net.IPNet{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)},
	}
	ev := decodeAddr(add)
	assert.Equal(t, events.AddrAdd, ev.Kind)
	assert.Equal(t, 24, ev.PrefixLen)

	del := add
	del.NewAddr = false
	ev = decodeAddr(del)
	assert.Equal(t, events.AddrDel, ev.Kind)
}

func TestDecodeNeighReachable(t *testing.T) {
	nu := netlink.NeighUpdate{
		Type: addMsgType,
		Neigh: netlink.Neigh{
			LinkIndex:    3,
			Family:       netlink.FAMILY_V4,
			State:        netlink.NUD_REACHABLE,
			IP:           net.ParseIP("10.0.0.5"),
			HardwareAddr: net.HardwareAddr{2, 0, 0, 0, 0, 9},
		},
	}
	ev := decodeNeigh(nu)
	assert.Equal(t, events.NeighAdd, ev.Kind)
	assert.Equal(t, cache.NUDReachable, ev.NUDState)
}
