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

package correlator

import (
	"net"
	"testing"
	"time"

	gokitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
)

type fakeScheduler struct {
	cancelled, armed []*cache.Neighbor
}

func (f *fakeScheduler) Cancel(n *cache.Neighbor) { f.cancelled = append(f.cancelled, n) }
func (f *fakeScheduler) Arm(n *cache.Neighbor)    { f.armed = append(f.armed, n) }

type fakeQueue struct {
	enqueued []NeighAddRequest
}

func (f *fakeQueue) Enqueue(req NeighAddRequest) { f.enqueued = append(f.enqueued, req) }

func setupCache(t *testing.T) (*cache.Cache, *cache.LinkNetwork) {
	t.Helper()
	c := cache.New(func() time.Time { return time.Now() })
	link := &cache.Link{Ifindex: 4, Ifname: "br0.10", IsSVI: true, VlanID: 10}
	c.LinkInsert(link)
	n := &cache.Network{ID: 7, Address: ident.IPFrom(net.ParseIP("10.0.0.0")), PrefixLen: 24}
	require.True(t, c.NetworkInsert(n))
	ln := &cache.LinkNetwork{Link: link, Network: n, IP: ident.IPFrom(net.ParseIP("10.0.0.1"))}
	c.LinkNetworkInsert(ln)
	return c, ln
}

func TestCorrelatorEnqueuesNeighAdd(t *testing.T) {
	c, _ := setupCache(t)
	sched := &fakeScheduler{}
	queue := &fakeQueue{}
	corr := New(Config{}, c, sched, queue, nil, gokitlog.NewNopLogger())

	mac := ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 9})
	ip := ident.IPFrom(net.ParseIP("10.0.0.5"))
	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 10, NetworkID: 7, MAC: mac, IP: ip})

	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, NeighAddRequest{Ifindex: 4, MAC: mac, IP: ip}, queue.enqueued[0])
}

func TestCorrelatorDropsOnMissingLinkNetwork(t *testing.T) {
	c, _ := setupCache(t)
	queue := &fakeQueue{}
	corr := New(Config{}, c, &fakeScheduler{}, queue, nil, gokitlog.NewNopLogger())

	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 99, NetworkID: 7, MAC: ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 1}), IP: ident.IPFrom(net.ParseIP("10.0.0.5"))})
	assert.Empty(t, queue.enqueued)
}

func TestCorrelatorDropsBridgeRelayedMAC(t *testing.T) {
	c, _ := setupCache(t)
	link, _ := c.LinkPeek(4)
	mac := ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 9})
	c.FDBInsert(&cache.FDB{MAC: mac, Ifindex: 4, VlanID: 10, Link: link})

	queue := &fakeQueue{}
	corr := New(Config{}, c, &fakeScheduler{}, queue, nil, gokitlog.NewNopLogger())
	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 10, NetworkID: 7, MAC: mac, IP: ident.IPFrom(net.ParseIP("10.0.0.5"))})

	assert.Empty(t, queue.enqueued)
}

func TestCorrelatorResetsExistingNeighborTimer(t *testing.T) {
	c, _ := setupCache(t)
	mac := ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 9})
	ip := ident.IPFrom(net.ParseIP("10.0.0.5"))
	neighbor, _ := c.NeighborUpsert(&cache.Neighbor{Ifindex: 4, IP: ip, MAC: mac, NUDState: cache.NUDReachable})

	sched := &fakeScheduler{}
	queue := &fakeQueue{}
	corr := New(Config{}, c, sched, queue, nil, gokitlog.NewNopLogger())
	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 10, NetworkID: 7, MAC: mac, IP: ip})

	require.Len(t, sched.cancelled, 1)
	assert.Same(t, neighbor, sched.cancelled[0])
	require.Len(t, sched.armed, 1)
	assert.Same(t, neighbor, sched.armed[0])
	require.Len(t, queue.enqueued, 1)
}

func TestCorrelatorFamilyFilter(t *testing.T) {
	c, _ := setupCache(t)
	queue := &fakeQueue{}
	corr := New(Config{OnlyIPv6: true}, c, &fakeScheduler{}, queue, nil, gokitlog.NewNopLogger())

	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 10, NetworkID: 7, MAC: ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 9}), IP: ident.IPFrom(net.ParseIP("10.0.0.5"))})
	assert.Empty(t, queue.enqueued)
}

func TestCorrelatorDecrementsRemainingCounter(t *testing.T) {
	c, _ := setupCache(t)
	queue := &fakeQueue{}
	corr := New(Config{}, c, &fakeScheduler{}, queue, nil, gokitlog.NewNopLogger())
	var remaining int64 = 3
	corr.Remaining = &remaining

	corr.Handle(Reply{Family: FamilyIPv4, VlanID: 99, NetworkID: 7, MAC: ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 1}), IP: ident.IPFrom(net.ParseIP("10.0.0.5"))})
	assert.Equal(t, int64(2), remaining)
}
