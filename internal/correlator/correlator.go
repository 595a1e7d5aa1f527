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

// Package correlator implements the reply correlator of spec.md §4.3: it
// maps ring-buffer-observed link-layer replies onto cache entries and,
// instead of ever writing a Neighbor itself, enqueues a netlink NEIGH_ADD
// request so the resulting kernel broadcast re-enters through the
// topology engine like any other observed neighbor.
package correlator

import (
	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
	"github.com/joolli/neighsnoopd/internal/stats"
)

// Family distinguishes the address family of a Reply, mirroring the
// eBPF classifier's own tag (spec.md §4.3).
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Reply is one ring-buffer record: an observed link-layer address
// resolution reply, already decoded by internal/bpfstate. The correlator
// package has no cilium/ebpf import, keeping the ring-buffer plumbing an
// external collaborator (spec.md §1).
type Reply struct {
	Family    Family
	VlanID    uint16
	NetworkID uint32
	MAC       ident.MAC
	IP        ident.IP
}

// Scheduler is the subset of internal/scheduler's interface the
// correlator needs: resetting a neighbor's refresh timer on a
// reply-correlator hit (spec.md §4.3 step 4 / §4.4's CANCELLED transition).
type Scheduler interface {
	Cancel(n *cache.Neighbor)
	Arm(n *cache.Neighbor)
}

// NeighAddRequest is one outbound netlink install/refresh request
// (spec.md §4.3 step 5). internal/netlinkx owns the actual queue and
// drains it once per loop iteration (spec.md §5).
type NeighAddRequest struct {
	Ifindex int
	MAC     ident.MAC
	IP      ident.IP
}

// NeighAddQueue is the outbound side effect of a correlator hit.
type NeighAddQueue interface {
	Enqueue(req NeighAddRequest)
}

// Config holds the correlator's static filters (spec.md §4.3, §6).
type Config struct {
	OnlyIPv4 bool
	OnlyIPv6 bool
}

// Correlator is the single-writer consumer of ring-buffer Replies. It
// never creates a Neighbor directly (spec.md §4.3: "that path is
// exclusively event-driven").
type Correlator struct {
	cfg      Config
	cache    *cache.Cache
	sched    Scheduler
	queue    NeighAddQueue
	logger   gokitlog.Logger
	counters *stats.Counters

	// Remaining is the debug event counter the CLI's -c N flag seeds
	// (spec.md §6); nil means unbounded. Handle decrements it on every
	// event seen, matching step 1 of spec.md §4.3 regardless of whether
	// the event is later dropped.
	Remaining *int64
}

// New returns a Correlator driving cache and queue through sched.
func New(cfg Config, c *cache.Cache, sched Scheduler, queue NeighAddQueue, counters *stats.Counters, logger gokitlog.Logger) *Correlator {
	return &Correlator{cfg: cfg, cache: c, sched: sched, queue: queue, counters: counters, logger: logger}
}

// Handle processes one ring-buffer Reply per spec.md §4.3's five steps.
func (c *Correlator) Handle(r Reply) {
	if c.Remaining != nil {
		*c.Remaining--
	}

	if c.cfg.OnlyIPv4 && r.Family != FamilyIPv4 {
		return
	}
	if c.cfg.OnlyIPv6 && r.Family != FamilyIPv6 {
		return
	}

	ln, ok := c.cache.LinkNetworkLookupByNetVlan(r.NetworkID, r.VlanID)
	if !ok {
		level.Warn(c.logger).Log("op", "correlate", "msg", "no LinkNetwork for reply", "network_id", r.NetworkID, "vlan_id", r.VlanID)
		if c.counters != nil {
			c.counters.RepliesSuppressed.Inc()
		}
		return
	}

	fdbKey := cache.FDBKey{MAC: r.MAC, Ifindex: ln.Link.Ifindex, VlanID: r.VlanID}
	if _, learned := c.cache.FDBLookup(fdbKey); learned {
		// Bridge-relayed, not a local advertisement; drop per spec.md §4.3
		// step 3 and the externally-learned semantics of §9.
		if c.counters != nil {
			c.counters.RepliesSuppressed.Inc()
		}
		return
	}

	if neighbor, ok := c.cache.NeighborLookup(ln.Link.Ifindex, r.IP); ok {
		c.sched.Cancel(neighbor)
		c.sched.Arm(neighbor)
	}

	c.queue.Enqueue(NeighAddRequest{Ifindex: ln.Link.Ifindex, MAC: r.MAC, IP: r.IP})
}
