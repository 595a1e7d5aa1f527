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

// Package topology implements the event-driven engine of spec.md §4.2: it
// applies link/addr/FDB/neigh add/del events to the cache, decides
// SVI-ness, and filters. The engine is edge-triggered and idempotent to
// redelivery of current kernel state.
package topology

import (
	"fmt"
	"regexp"
	"time"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/events"
	"github.com/joolli/neighsnoopd/internal/ident"
)

// TargetNetworks is the eBPF-map side effect of ADDR ADD/DEL (spec.md §4.2,
// §6): the engine mutates it, the in-kernel classifier only reads it.
// internal/bpfstate provides the production implementation.
type TargetNetworks interface {
	Install(prefixLen int, network ident.IP, networkID uint32) error
	Remove(prefixLen int, network ident.IP) error
}

// Scheduler is the refresh-timer side effect of NEIGH ADD (spec.md §4.2,
// §4.4). internal/scheduler provides the production implementation.
type Scheduler interface {
	Arm(n *cache.Neighbor)
	Cancel(n *cache.Neighbor)
	ProbeNow(n *cache.Neighbor)
}

// Config holds the engine's static policy knobs, all sourced from the CLI
// (spec.md §6).
type Config struct {
	// MonitoredBridgeIfindex is the ifindex of <IFNAME_MON>; a Link is an
	// SVI iff its link_ifindex equals this.
	MonitoredBridgeIfindex int
	// DenyRegex, if non-nil, marks matching interface names IgnoreLink.
	DenyRegex *regexp.Regexp
	// DisableIPv6LLFilter disables dropping IPv6 link-local addresses on
	// ADDR ADD (the -l flag).
	DisableIPv6LLFilter bool
}

// Engine is the single-writer owner of a cache.Cache.
type Engine struct {
	cfg     Config
	cache   *cache.Cache
	targets TargetNetworks
	sched   Scheduler
	logger  gokitlog.Logger
	now     func() time.Time

	hasLinks    bool
	hasNetworks bool
	hasFDB      bool
}

// New returns an Engine driving cache against the given side-effect
// collaborators.
func New(cfg Config, c *cache.Cache, targets TargetNetworks, sched Scheduler, logger gokitlog.Logger, now func() time.Time) *Engine {
	return &Engine{cfg: cfg, cache: c, targets: targets, sched: sched, logger: logger, now: now}
}

// Cache exposes the underlying cache for read-only consumers (stats,
// the correlator).
func (e *Engine) Cache() *cache.Cache { return e.cache }

// MarkLinksReady, MarkNetworksReady and MarkFDBReady raise the three
// readiness flags once the corresponding initial kernel dump has been
// fully replayed (spec.md §4.2 "Initialization gating").
func (e *Engine) MarkLinksReady()    { e.hasLinks = true }
func (e *Engine) MarkNetworksReady() { e.hasNetworks = true }
func (e *Engine) MarkFDBReady()      { e.hasFDB = true }

func (e *Engine) ready() bool { return e.hasLinks && e.hasNetworks && e.hasFDB }

// Handle dispatches ev to its policy by tag (spec.md §9: "dispatch by tag,
// avoid dynamic dispatch").
func (e *Engine) Handle(ev events.Event) error {
	switch ev.Kind {
	case events.LinkAdd:
		e.handleLinkAdd(ev)
	case events.LinkDel:
		e.handleLinkDel(ev)
	case events.AddrAdd:
		return e.handleAddrAdd(ev)
	case events.AddrDel:
		e.handleAddrDel(ev)
	case events.FDBAdd:
		e.handleFDBAdd(ev)
	case events.FDBDel:
		e.handleFDBDel(ev)
	case events.NeighAdd:
		e.handleNeighAdd(ev)
	case events.NeighDel:
		e.handleNeighDel(ev)
	default:
		return fmt.Errorf("topology: unknown event kind %v", ev.Kind)
	}
	return nil
}

func (e *Engine) handleLinkAdd(ev events.Event) {
	attrs := cache.Attrs{
		Ifname:       ev.Ifname,
		MAC:          ev.MAC,
		Kind:         ev.LinkKind,
		SlaveKind:    ev.SlaveKind,
		HasVLAN:      ev.HasVLAN,
		VlanID:       ev.VlanID,
		VlanProtocol: ev.VlanProtocol,
		IsMacvlan:    ev.IsMacvlan,
		LinkIfindex:  ev.LinkIfindex,
	}

	if l, ok := e.cache.LinkPeek(ev.Ifindex); ok {
		if l.Attrs() != attrs {
			l.ApplyAttrs(attrs)
			l.Updated = e.now()
		}
		return
	}

	l := &cache.Link{Ifindex: ev.Ifindex, Created: e.now(), Updated: e.now()}
	l.ApplyAttrs(attrs)
	l.IsSVI = ev.LinkIfindex == e.cfg.MonitoredBridgeIfindex
	if e.cfg.DenyRegex != nil && e.cfg.DenyRegex.MatchString(ev.Ifname) {
		l.IgnoreLink = true
	}
	e.cache.LinkInsert(l)
}

func (e *Engine) handleLinkDel(ev events.Event) {
	e.cache.LinkRemove(ev.Ifindex)
}

func (e *Engine) handleAddrAdd(ev events.Event) error {
	if !e.cfg.DisableIPv6LLFilter && ev.Address.IsIPv6LinkLocal() {
		level.Debug(e.logger).Log("op", "addrAdd", "msg", "dropping link-local address", "ip", ev.Address.String())
		return nil
	}
	if !e.hasLinks {
		return nil
	}

	link, ok := e.cache.LinkPeek(ev.Ifindex)
	if !ok || !link.IsSVI || link.IgnoreLink {
		return nil
	}

	networkAddr, isSubnet := ident.CanonicalNetwork(ev.Address, ev.PrefixLen)
	if _, bound := e.cache.LinkNetworkLookupByIPIfindex(networkAddr, link.Ifindex); bound {
		return nil
	}

	net, ok := e.cache.NetworkLookupByAddr(networkAddr)
	if !ok {
		id := e.cache.NextNetworkID()
		net = &cache.Network{
			ID:            id,
			Address:       networkAddr,
			PrefixLen:     ev.PrefixLen,
			TruePrefixLen: isSubnet,
			CreatedAt:     e.now(),
			UpdatedAt:     e.now(),
		}
		if !e.cache.NetworkInsert(net) {
			return fmt.Errorf("topology: network %s already present", networkAddr)
		}
		if err := e.targets.Install(ev.PrefixLen, networkAddr, id); err != nil {
			e.cache.NetworkRemoveByID(id)
			return fmt.Errorf("installing target network %s/%d: %w", networkAddr, ev.PrefixLen, err)
		}
	}

	ln := &cache.LinkNetwork{Link: link, Network: net, IP: ev.Address}
	e.cache.LinkNetworkInsert(ln)
	return nil
}

func (e *Engine) handleAddrDel(ev events.Event) {
	link, ok := e.cache.LinkPeek(ev.Ifindex)
	if !ok {
		return
	}

	networkAddr, _ := ident.CanonicalNetwork(ev.Address, ev.PrefixLen)

	var target *cache.Network
	for _, ln := range link.Networks() {
		if ln.Network.Address == networkAddr && ln.Network.PrefixLen == ev.PrefixLen {
			target = ln.Network
			break
		}
	}
	if target == nil {
		return
	}

	if err := e.targets.Remove(target.PrefixLen, target.Address); err != nil {
		level.Error(e.logger).Log("op", "addrDel", "err", err)
	}

	// Snapshot before removing — Network.Links() already copies, so this
	// traversal is safe against the mutation each removal performs
	// (spec.md §9's open question, resolved rather than replicated).
	for _, ln := range target.Links() {
		e.cache.LinkNetworkRemove(ln)
	}
	e.cache.NetworkRemoveByID(target.ID)
}

func (e *Engine) handleFDBAdd(ev events.Event) {
	if !e.hasLinks || !e.hasNetworks {
		return
	}
	if !ev.ExternallyLearned {
		return
	}
	link, ok := e.cache.LinkPeek(ev.Ifindex)
	if !ok || link.IgnoreLink {
		return
	}
	if _, exists := e.cache.FDBLookup(cache.FDBKey{MAC: ev.MAC, Ifindex: ev.Ifindex, VlanID: ev.VlanID}); exists {
		return
	}
	e.cache.FDBInsert(&cache.FDB{MAC: ev.MAC, Ifindex: ev.Ifindex, VlanID: ev.VlanID, Link: link})
}

func (e *Engine) handleFDBDel(ev events.Event) {
	e.cache.FDBRemove(cache.FDBKey{MAC: ev.MAC, Ifindex: ev.Ifindex, VlanID: ev.VlanID})
}

func (e *Engine) handleNeighAdd(ev events.Event) {
	if !e.ready() {
		return
	}
	if ev.Ifindex == 0 || ev.MAC.IsZero() || ev.ExternallyLearned {
		return
	}

	link, ok := e.cache.LinkPeek(ev.Ifindex)
	if !ok || link.IgnoreLink {
		return
	}

	var sendingLN *cache.LinkNetwork
	for _, ln := range link.Networks() {
		if ident.Contains(ev.NeighIP, ln.Network.Address, ln.Network.PrefixLen) {
			sendingLN = ln
			break
		}
	}
	if sendingLN == nil {
		return
	}

	neighbor, _ := e.cache.NeighborUpsert(&cache.Neighbor{
		Ifindex:            ev.Ifindex,
		IP:                 ev.NeighIP,
		MAC:                ev.MAC,
		NUDState:           ev.NUDState,
		SendingLinkNetwork: sendingLN,
	})

	switch neighbor.NUDState {
	case cache.NUDReachable:
		if !neighbor.HasTimer() {
			e.sched.Arm(neighbor)
		}
	case cache.NUDStale:
		e.sched.ProbeNow(neighbor)
	}
}

func (e *Engine) handleNeighDel(ev events.Event) {
	neighbor, ok := e.cache.NeighborRemove(ev.Ifindex, ev.NeighIP)
	if !ok {
		return
	}
	e.sched.Cancel(neighbor)
}
