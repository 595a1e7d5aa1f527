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

package cache

import (
	"time"

	"github.com/joolli/neighsnoopd/internal/ident"
)

// Link represents a kernel network interface relevant to the daemon (an SVI
// or one of its underlings). spec.md §3.
type Link struct {
	Ifindex      int
	Ifname       string
	MAC          ident.MAC
	Kind         string
	SlaveKind    string
	HasVLAN      bool
	VlanID       uint16
	VlanProtocol uint16
	IsMacvlan    bool
	IsSVI        bool
	// IgnoreLink is set at insert time when the interface name matches the
	// -f deny regex (spec.md §6). internal/topology checks it before
	// processing any ADDR/FDB/NEIGH event that references this Link, so a
	// denylisted interface is tracked in the Link index (for visibility)
	// but otherwise inert.
	IgnoreLink  bool
	LinkIfindex int

	Created    time.Time
	Updated    time.Time
	Referenced time.Time

	// ReferenceCount counts lookups that found this Link, per the cache
	// indices' generic "bump referenced, increment reference_count on a
	// successful lookup" rule (spec.md §4.1).
	ReferenceCount uint64

	networks []*LinkNetwork
	fdb      []*FDB
}

// Attrs is the subset of link attributes a LINK ADD/UPDATE event carries
// from the kernel; everything comparable is included so the topology
// engine's "bump Updated iff any attribute actually changed" rule
// (spec.md §4.2) can be a plain struct comparison.
type Attrs struct {
	Ifname       string
	MAC          ident.MAC
	Kind         string
	SlaveKind    string
	HasVLAN      bool
	VlanID       uint16
	VlanProtocol uint16
	IsMacvlan    bool
	LinkIfindex  int
}

// Attrs returns the current comparable attribute snapshot of l.
func (l *Link) Attrs() Attrs {
	return Attrs{
		Ifname:       l.Ifname,
		MAC:          l.MAC,
		Kind:         l.Kind,
		SlaveKind:    l.SlaveKind,
		HasVLAN:      l.HasVLAN,
		VlanID:       l.VlanID,
		VlanProtocol: l.VlanProtocol,
		IsMacvlan:    l.IsMacvlan,
		LinkIfindex:  l.LinkIfindex,
	}
}

// ApplyAttrs overwrites l's comparable attributes with a (a LINK UPDATE).
func (l *Link) ApplyAttrs(a Attrs) {
	l.Ifname = a.Ifname
	l.MAC = a.MAC
	l.Kind = a.Kind
	l.SlaveKind = a.SlaveKind
	l.HasVLAN = a.HasVLAN
	l.VlanID = a.VlanID
	l.VlanProtocol = a.VlanProtocol
	l.IsMacvlan = a.IsMacvlan
	l.LinkIfindex = a.LinkIfindex
}

// Networks returns the LinkNetwork bindings owned through this Link. The
// slice is a copy so callers may safely delete from the cache while
// iterating (spec.md §9 Design Notes: the open question about
// mutation-unsafe traversal).
func (l *Link) Networks() []*LinkNetwork {
	out := make([]*LinkNetwork, len(l.networks))
	copy(out, l.networks)
	return out
}

// FDBEntries returns the FDB entries attached to this Link, copied for the
// same mutation-safety reason as Networks.
func (l *Link) FDBEntries() []*FDB {
	out := make([]*FDB, len(l.fdb))
	copy(out, l.fdb)
	return out
}

func (l *Link) addLinkNetwork(ln *LinkNetwork) {
	l.networks = append(l.networks, ln)
}

func (l *Link) removeLinkNetwork(ln *LinkNetwork) {
	for i, cur := range l.networks {
		if cur == ln {
			l.networks = append(l.networks[:i], l.networks[i+1:]...)
			return
		}
	}
}

func (l *Link) addFDB(f *FDB) {
	l.fdb = append(l.fdb, f)
}

func (l *Link) removeFDB(f *FDB) {
	for i, cur := range l.fdb {
		if cur == f {
			l.fdb = append(l.fdb[:i], l.fdb[i+1:]...)
			return
		}
	}
}
