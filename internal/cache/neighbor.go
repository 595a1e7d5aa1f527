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

// NUDState mirrors the kernel's neighbor unreachability states (GLOSSARY).
type NUDState int

const (
	NUDNone NUDState = iota
	NUDIncomplete
	NUDReachable
	NUDStale
	NUDDelay
	NUDProbe
	NUDFailed
	NUDPermanent
)

// Neighbor is a tracked kernel neighbor entry this daemon installed or
// observed. spec.md §3.
type Neighbor struct {
	Ifindex  int
	IP       ident.IP
	MAC      ident.MAC
	NUDState NUDState

	// SendingLinkNetwork is the LinkNetwork that sources this neighbor's
	// refresh probes; spec.md §3/§8 requires it to always still exist in
	// the cache.
	SendingLinkNetwork *LinkNetwork

	// Timer is an opaque handle owned by internal/scheduler. The cache
	// package never interprets it; it exists here purely as the "timer
	// slot" spec.md §4.4's state machine describes.
	Timer interface{ Stop() }

	ID             uint64
	UpdateCount    uint64
	ReferenceCount uint64
	Created        time.Time
	Updated        time.Time
	Referenced     time.Time
}

// NeighKey is the composite key of the neigh table: (ifindex, ip).
type NeighKey struct {
	Ifindex int
	IP      ident.IP
}

func (n *Neighbor) key() NeighKey {
	return NeighKey{Ifindex: n.Ifindex, IP: n.IP}
}

// HasTimer reports whether a refresh timer is currently armed for n.
func (n *Neighbor) HasTimer() bool {
	return n.Timer != nil
}
