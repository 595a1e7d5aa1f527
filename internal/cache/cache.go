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

// Package cache implements the eight indices of spec.md §3/§4.1: a
// consistent, reference-coupled in-memory model of links, networks,
// link<->network bindings, bridge FDB entries and tracked neighbors. The
// topology engine (internal/topology) is the only writer; everything here
// assumes the single-writer/single-reader model of spec.md §5 and takes no
// locks.
package cache

import (
	"time"

	"github.com/joolli/neighsnoopd/internal/ident"
)

// linkNetKey is the composite key of the linknet-by-(network_id,vlan_id)
// index.
type linkNetKey struct {
	NetworkID uint32
	VlanID    uint16
}

// ipIfindexKey is the composite key of the linknet-by-(ip,ifindex) index.
type ipIfindexKey struct {
	IP      ident.IP
	Ifindex int
}

// Cache holds all eight indices described in spec.md §4.1. The zero value
// is not usable; construct with New.
type Cache struct {
	now func() time.Time

	// Owning indices.
	links  map[int]*Link
	nets   map[uint32]*Network
	fdb    map[FDBKey]*FDB
	neighs map[NeighKey]*Neighbor

	// Non-owning indices.
	netByAddr     map[ident.IP]*Network
	linknetByNV   map[linkNetKey]*LinkNetwork
	linknetByIPIf map[ipIfindexKey]*LinkNetwork

	nextNetworkID  uint32
	nextNeighborID uint64
}

// New returns an empty Cache. now is injected so tests can control the
// "referenced" clock deterministically; production callers should pass
// time.Now.
func New(now func() time.Time) *Cache {
	return &Cache{
		now:           now,
		links:         make(map[int]*Link),
		nets:          make(map[uint32]*Network),
		fdb:           make(map[FDBKey]*FDB),
		neighs:        make(map[NeighKey]*Neighbor),
		netByAddr:     make(map[ident.IP]*Network),
		linknetByNV:   make(map[linkNetKey]*LinkNetwork),
		linknetByIPIf: make(map[ipIfindexKey]*LinkNetwork),
	}
}

// --- Link ---

// LinkInsert adds l to the link table, keyed by its Ifindex. Re-inserting an
// existing ifindex overwrites the stored pointer (the topology engine is
// expected to mutate the existing Link in place instead; LinkInsert is the
// low-level index operation used only on first sight of an ifindex).
func (c *Cache) LinkInsert(l *Link) {
	c.links[l.Ifindex] = l
}

// LinkLookup returns the Link for ifindex, bumping its reference bookkeeping
// on a hit (spec.md §4.1).
func (c *Cache) LinkLookup(ifindex int) (*Link, bool) {
	l, ok := c.links[ifindex]
	if !ok {
		return nil, false
	}
	l.Referenced = c.now()
	l.ReferenceCount++
	return l, true
}

// LinkPeek returns the Link for ifindex without affecting reference
// bookkeeping, for read-only inspection (stats, tests).
func (c *Cache) LinkPeek(ifindex int) (*Link, bool) {
	l, ok := c.links[ifindex]
	return l, ok
}

// LinkRemove cascades per spec.md §4.2 LINK DEL: every LinkNetwork in the
// Link's network_list is detached (from both sides and both LinkNetwork
// indices), every FDB entry attached to the Link is removed from the fdb
// table, and finally the Link itself is freed from the link table.
func (c *Cache) LinkRemove(ifindex int) {
	l, ok := c.links[ifindex]
	if !ok {
		return
	}

	for _, ln := range l.Networks() {
		c.removeLinkNetwork(ln)
	}
	for _, f := range l.FDBEntries() {
		delete(c.fdb, f.key())
	}

	delete(c.links, ifindex)
}

func (c *Cache) LinkCount() int { return len(c.links) }

// LinkAll returns every cached Link, for iteration by callers that already
// know not to mutate the cache mid-range (tests, stats snapshots).
func (c *Cache) LinkAll() []*Link {
	out := make([]*Link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

// --- Network ---

// NextNetworkID returns the next monotonically assigned Network ID and
// advances the counter (spec.md §3 "uniquely identified by a monotonically
// assigned 32-bit id").
func (c *Cache) NextNetworkID() uint32 {
	c.nextNetworkID++
	return c.nextNetworkID
}

// NetworkInsert adds n to the network table and the network-by-addr index.
// Returns false without modifying the cache if n.Address is already present
// (spec.md §3/§4.1 invariant: "no two Networks share the same canonical
// network address").
func (c *Cache) NetworkInsert(n *Network) bool {
	if _, exists := c.netByAddr[n.Address]; exists {
		return false
	}
	c.nets[n.ID] = n
	c.netByAddr[n.Address] = n
	return true
}

// NetworkRemoveByID undoes NetworkInsert. It does not touch any
// LinkNetwork; callers (the topology engine) must detach all bindings
// first, matching the ADDR DEL policy of spec.md §4.2.
func (c *Cache) NetworkRemoveByID(id uint32) {
	n, ok := c.nets[id]
	if !ok {
		return
	}
	delete(c.nets, id)
	delete(c.netByAddr, n.Address)
}

func (c *Cache) NetworkLookupByID(id uint32) (*Network, bool) {
	n, ok := c.nets[id]
	return n, ok
}

func (c *Cache) NetworkLookupByAddr(addr ident.IP) (*Network, bool) {
	n, ok := c.netByAddr[addr]
	return n, ok
}

func (c *Cache) NetworkCount() int { return len(c.nets) }

func (c *Cache) NetworkAll() []*Network {
	out := make([]*Network, 0, len(c.nets))
	for _, n := range c.nets {
		out = append(out, n)
	}
	return out
}

// --- LinkNetwork ---

// LinkNetworkInsert wires ln into both owning entities' back-pointer lists
// and both LinkNetwork indices, maintaining the coherence invariant of
// spec.md §3/§8: every LinkNetwork reachable from a Link is reachable from
// its Network and vice versa, and both composite-key indices agree.
func (c *Cache) LinkNetworkInsert(ln *LinkNetwork) {
	ln.Link.addLinkNetwork(ln)
	ln.Network.addLinkNetwork(ln)
	c.linknetByNV[linkNetKey{NetworkID: ln.Network.ID, VlanID: ln.Link.VlanID}] = ln
	c.linknetByIPIf[ipIfindexKey{IP: ln.Network.Address, Ifindex: ln.Link.Ifindex}] = ln
}

func (c *Cache) removeLinkNetwork(ln *LinkNetwork) {
	ln.Link.removeLinkNetwork(ln)
	ln.Network.removeLinkNetwork(ln)
	delete(c.linknetByNV, linkNetKey{NetworkID: ln.Network.ID, VlanID: ln.Link.VlanID})
	delete(c.linknetByIPIf, ipIfindexKey{IP: ln.Network.Address, Ifindex: ln.Link.Ifindex})
}

// LinkNetworkRemove removes ln from both owning lists and both indices
// atomically, per spec.md §3's invariant that the two composite keys are
// removed together.
func (c *Cache) LinkNetworkRemove(ln *LinkNetwork) {
	c.removeLinkNetwork(ln)
}

func (c *Cache) LinkNetworkLookupByNetVlan(networkID uint32, vlanID uint16) (*LinkNetwork, bool) {
	ln, ok := c.linknetByNV[linkNetKey{NetworkID: networkID, VlanID: vlanID}]
	return ln, ok
}

func (c *Cache) LinkNetworkLookupByIPIfindex(ip ident.IP, ifindex int) (*LinkNetwork, bool) {
	ln, ok := c.linknetByIPIf[ipIfindexKey{IP: ip, Ifindex: ifindex}]
	return ln, ok
}

// --- FDB ---

// FDBInsert inserts f into the fdb table and attaches it to its Link's
// fdb_list (spec.md §4.2 FDB ADD).
func (c *Cache) FDBInsert(f *FDB) {
	c.fdb[f.key()] = f
	f.Link.addFDB(f)
}

// FDBRemove removes the entry keyed by key if present; absence is success
// (spec.md §4.2 FDB DEL: "remove if present").
func (c *Cache) FDBRemove(key FDBKey) {
	f, ok := c.fdb[key]
	if !ok {
		return
	}
	delete(c.fdb, key)
	f.Link.removeFDB(f)
}

func (c *Cache) FDBLookup(key FDBKey) (*FDB, bool) {
	f, ok := c.fdb[key]
	return f, ok
}

func (c *Cache) FDBCount() int { return len(c.fdb) }

// --- Neighbor ---

// NeighborUpsert inserts n if its key is new, or merges MAC/NUDState into
// the existing entry and bumps UpdateCount if not — spec.md §4.2's NEIGH
// ADD policy ("upsert the Neighbor"). It returns the live *Neighbor (which
// may not be n, if one already existed) and whether it was newly inserted.
// The monotonic ID is assigned here so callers never have to guess ahead of
// time whether a given add will be an insert or an update.
func (c *Cache) NeighborUpsert(n *Neighbor) (neighbor *Neighbor, inserted bool) {
	key := n.key()
	if existing, ok := c.neighs[key]; ok {
		existing.MAC = n.MAC
		existing.NUDState = n.NUDState
		existing.SendingLinkNetwork = n.SendingLinkNetwork
		existing.UpdateCount++
		existing.Updated = c.now()
		return existing, false
	}
	c.nextNeighborID++
	n.ID = c.nextNeighborID
	n.Created = c.now()
	n.Updated = n.Created
	c.neighs[key] = n
	return n, true
}

// NeighborRemove removes the neighbor keyed by (ifindex, ip). Absence is
// success (spec.md §4.2 NEIGH DEL is idempotent to redelivery).
func (c *Cache) NeighborRemove(ifindex int, ip ident.IP) (*Neighbor, bool) {
	key := NeighKey{Ifindex: ifindex, IP: ip}
	n, ok := c.neighs[key]
	if !ok {
		return nil, false
	}
	delete(c.neighs, key)
	return n, true
}

func (c *Cache) NeighborLookup(ifindex int, ip ident.IP) (*Neighbor, bool) {
	n, ok := c.neighs[NeighKey{Ifindex: ifindex, IP: ip}]
	if !ok {
		return nil, false
	}
	n.Referenced = c.now()
	n.ReferenceCount++
	return n, true
}

func (c *Cache) NeighborCount() int { return len(c.neighs) }

func (c *Cache) NeighborAll() []*Neighbor {
	out := make([]*Neighbor, 0, len(c.neighs))
	for _, n := range c.neighs {
		out = append(out, n)
	}
	return out
}
