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

// Package scheduler implements the refresh scheduler of spec.md §4.4: a
// per-neighbor randomized timer, backed by one process-wide timerfd and
// an intrusive min-heap, that emits an L2 probe before the kernel
// downgrades a neighbor out of REACHABLE.
package scheduler

import (
	"container/heap"
	"fmt"
	"math/rand"
	"time"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
	"github.com/joolli/neighsnoopd/internal/stats"
)

// entry is one Neighbor's slot in the min-heap, and the Timer handle
// stored on cache.Neighbor (spec.md §4.4's timer-slot state machine). A
// Cancel marks the entry cancelled rather than removing it immediately,
// since removing an arbitrary element from container/heap mid-iteration
// would otherwise require tracking its live heap index through every
// other mutation; Fire simply skips cancelled entries it pops.
type entry struct {
	fireAt    time.Time
	neighbor  *cache.Neighbor
	cancelled bool
	index     int
}

func (e *entry) Stop() { e.cancelled = true }

type minHeap []*entry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *minHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the single-writer owner of the refresh-timer heap. It
// implements the Scheduler interfaces consumed by internal/topology and
// internal/correlator.
type Scheduler struct {
	heap      minHeap
	fd        int
	transport Transport
	counters  *stats.Counters
	logger    gokitlog.Logger
	now       func() time.Time
	rand      *rand.Rand
}

// New creates a Scheduler with its own timerfd (CLOCK_MONOTONIC,
// non-blocking so the epoll loop in internal/loop never stalls on it).
func New(transport Transport, counters *stats.Counters, logger gokitlog.Logger) (*Scheduler, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating timerfd: %w", err)
	}
	return &Scheduler{
		fd:        fd,
		transport: transport,
		counters:  counters,
		logger:    logger,
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// FD returns the timerfd for registration with the epoll loop.
func (s *Scheduler) FD() int { return s.fd }

// Arm computes n's refresh interval from its outgoing interface's
// base_reachable_time_ms sysctl and schedules a probe (spec.md §4.4).
func (s *Scheduler) Arm(n *cache.Neighbor) {
	ln := n.SendingLinkNetwork
	ipv6 := !n.IP.IsIPv4Mapped()

	base, err := baseReachableTimeMS(ln.Link.Ifname, ipv6)
	if err != nil {
		level.Warn(s.logger).Log("op", "arm", "msg", "falling back to default reachable time", "ifname", ln.Link.Ifname, "err", err)
		base = 30000 // kernel default base_reachable_time_ms
	}

	interval := time.Duration(base/4) * time.Millisecond
	jitter := time.Duration(s.rand.Float64()*2000) * time.Millisecond
	fireAt := s.now().Add(interval + jitter)

	e := &entry{fireAt: fireAt, neighbor: n}
	n.Timer = e
	heap.Push(&s.heap, e)
	s.rearm()
}

// Cancel marks n's timer slot cancelled; Fire skips it when it is later
// popped. NEIGH DEL and a reply-correlator hit both call this.
func (s *Scheduler) Cancel(n *cache.Neighbor) {
	if e, ok := n.Timer.(*entry); ok {
		e.cancelled = true
	}
	n.Timer = nil
}

// ProbeNow sends a probe immediately without arming a timer (spec.md
// §4.2's NEIGH ADD / STALE branch).
func (s *Scheduler) ProbeNow(n *cache.Neighbor) {
	s.send(n)
}

// Fire is called by internal/loop after reading the timerfd expiration
// count; it pops every entry whose fire time has passed, sends a probe
// for each live (non-cancelled) one, and clears that neighbor's timer
// slot back to IDLE (spec.md §4.4: "Clear N.timer").
func (s *Scheduler) Fire() {
	now := s.now()
	for s.heap.Len() > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		if e.cancelled {
			continue
		}
		e.neighbor.Timer = nil
		s.send(e.neighbor)
	}
	s.rearm()
}

func (s *Scheduler) send(n *cache.Neighbor) {
	ln := n.SendingLinkNetwork
	srcMAC := ln.Link.MAC.HardwareAddr()
	dstMAC := n.MAC.HardwareAddr()

	var frame []byte
	var err error
	if n.IP.IsIPv4Mapped() {
		frame, err = buildARPProbe(srcMAC, ln.IP.NetIP().To4(), dstMAC, n.IP.NetIP().To4())
	} else {
		frame, err = buildNSProbe(srcMAC, ln.IP.NetIP(), dstMAC, n.IP.NetIP())
	}
	if err != nil {
		s.probeError(n.IP, err)
		return
	}

	if err := s.transport.Send(ln.Link.Ifindex, frame); err != nil {
		s.probeError(n.IP, err)
		return
	}
	if s.counters != nil {
		s.counters.ProbesSent.Inc()
	}
}

func (s *Scheduler) probeError(ip ident.IP, err error) {
	level.Error(s.logger).Log("op", "probe", "ip", ip.String(), "err", err)
	if s.counters != nil {
		s.counters.ProbeErrors.Inc()
	}
}

// rearm reprograms the timerfd to the heap's earliest fire time, or
// disarms it if the heap is empty.
func (s *Scheduler) rearm() {
	var spec unix.ItimerSpec
	if s.heap.Len() > 0 {
		d := s.heap[0].fireAt.Sub(s.now())
		if d < time.Millisecond {
			d = time.Millisecond
		}
		spec.Value.Sec = int64(d / time.Second)
		spec.Value.Nsec = int64(d % time.Second)
	}
	if err := unix.TimerfdSettime(s.fd, 0, &spec, nil); err != nil {
		level.Error(s.logger).Log("op", "rearm", "err", err)
	}
}

// Close releases the timerfd and the underlying transport's sockets.
func (s *Scheduler) Close() error {
	if err := s.transport.Close(); err != nil {
		return err
	}
	return unix.Close(s.fd)
}
