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

// Package events defines the tagged union of kernel notifications the
// topology engine consumes (spec.md §4.2: "a tagged union of eight event
// kinds: {LINK, ADDR, FDB, NEIGH} x {ADD, DEL}"). Each event carries only
// the fields the kernel gave us — no pointers into the cache — so the
// engine, not the netlink layer, owns cache identity (spec.md §9 "Tagged
// event unions... dispatch by tag. Avoid dynamic dispatch.").
package events

import (
	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
)

// Kind discriminates the eight event variants.
type Kind int

const (
	LinkAdd Kind = iota
	LinkDel
	AddrAdd
	AddrDel
	FDBAdd
	FDBDel
	NeighAdd
	NeighDel
)

func (k Kind) String() string {
	switch k {
	case LinkAdd:
		return "LINK_ADD"
	case LinkDel:
		return "LINK_DEL"
	case AddrAdd:
		return "ADDR_ADD"
	case AddrDel:
		return "ADDR_DEL"
	case FDBAdd:
		return "FDB_ADD"
	case FDBDel:
		return "FDB_DEL"
	case NeighAdd:
		return "NEIGH_ADD"
	case NeighDel:
		return "NEIGH_DEL"
	default:
		return "UNKNOWN"
	}
}

// Event is the single concrete type carrying all eight variants; unused
// fields for a given Kind are simply zero. This mirrors the teacher
// codebase's habit of modeling kernel records as plain structs decoded
// once at the netlink boundary, rather than introducing an interface
// hierarchy with one implementation per kind.
type Event struct {
	Kind Kind

	// LINK ADD/DEL, and the Ifindex field of every other kind.
	Ifindex      int
	Ifname       string
	MAC          ident.MAC
	LinkKind     string // kernel link "kind" (e.g. "bridge", "vlan")
	SlaveKind    string
	HasVLAN      bool
	VlanID       uint16
	VlanProtocol uint16
	IsMacvlan    bool
	LinkIfindex  int

	// ADDR ADD/DEL.
	Address   ident.IP
	PrefixLen int

	// FDB ADD/DEL (VlanID and MAC shared with the link fields above).
	ExternallyLearned bool

	// NEIGH ADD/DEL (MAC shared with the link fields above; the neighbor's
	// IP is carried in NeighIP, not Address).
	NeighIP  ident.IP
	NUDState cache.NUDState
}
