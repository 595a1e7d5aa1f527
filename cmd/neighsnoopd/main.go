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

package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"regexp"
	"sync"
	"syscall"
	"time"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/joolli/neighsnoopd/internal/bpfstate"
	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/correlator"
	"github.com/joolli/neighsnoopd/internal/events"
	"github.com/joolli/neighsnoopd/internal/loop"
	"github.com/joolli/neighsnoopd/internal/logging"
	"github.com/joolli/neighsnoopd/internal/netlinkx"
	"github.com/joolli/neighsnoopd/internal/scheduler"
	"github.com/joolli/neighsnoopd/internal/stats"
	"github.com/joolli/neighsnoopd/internal/topology"
)

// Exit codes per spec.md §7's error taxonomy: 0 success, non-zero for
// setup-fatal or runtime failure.
const (
	exitOK             = 0
	exitSetupFailure   = 1
	exitRuntimeFailure = 2
)

// defaultBPFDir is where the (out-of-scope) classifier loader is expected
// to have pinned target_networks and neighbor_ringbuf before this daemon
// starts (spec.md §1's "external collaborators"); overridable via
// NEIGHSNOOPD_BPF_DIR, following the teacher's habit of env-var-backed
// defaults for settings outside the flags spec.md §6 names explicitly.
const defaultBPFDir = "/sys/fs/bpf/neighsnoopd"

// verboseFlag implements flag.Value so repeated -v occurrences accumulate
// (spec.md §6: "-v verbose (repeatable: 1 = info, 2 = debug, 3 = + netlink
// tracing)"), which the stdlib flag package doesn't support for a bare
// counting flag out of the box.
type verboseFlag int

func (v *verboseFlag) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verboseFlag) Set(string) error {
	*v++
	return nil
}
func (v *verboseFlag) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		ipv4Only    bool
		ipv6Only    bool
		count       int64
		denyPattern string
		disableLLV6 bool
		failOnQdisc bool
		attachXDP   bool
		verbose     verboseFlag
	)
	flag.BoolVar(&ipv4Only, "4", false, "observe IPv4 ARP replies only")
	flag.BoolVar(&ipv6Only, "6", false, "observe IPv6 Neighbor Advertisements only")
	flag.Int64Var(&count, "c", 0, "exit after N ring-buffer replies (debug, 0 = unbounded)")
	flag.StringVar(&denyPattern, "f", "", "deny-list interface names matching REGEX")
	flag.BoolVar(&disableLLV6, "l", false, "disable the IPv6 link-local address filter")
	flag.BoolVar(&failOnQdisc, "q", false, "fail if an ingress qdisc filter is already present, instead of replacing it")
	flag.Var(&verbose, "v", "increase verbosity (repeatable)")
	flag.BoolVar(&attachXDP, "x", false, "attach the in-kernel classifier at XDP instead of TC")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <IFNAME_MON>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if ipv4Only && ipv6Only {
		fmt.Fprintln(os.Stderr, "neighsnoopd: -4 and -6 are mutually exclusive")
		return exitSetupFailure
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return exitSetupFailure
	}
	ifnameMon := flag.Arg(0)

	v := logging.Verbosity(verbose)
	logger := logging.Init(v)

	if failOnQdisc || attachXDP {
		// Both flags govern the (out-of-scope) attach step that installs
		// the classifier; the core only threads them through to the log so
		// an operator can confirm what the loader was asked to do.
		level.Info(logger).Log("op", "startup", "fail_on_qdisc", failOnQdisc, "attach_xdp", attachXDP)
	}

	bridge, err := net.InterfaceByName(ifnameMon)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "resolving monitored bridge interface", "ifname", ifnameMon, "err", err)
		return exitSetupFailure
	}

	var denyRegex *regexp.Regexp
	if denyPattern != "" {
		denyRegex, err = regexp.Compile(denyPattern)
		if err != nil {
			level.Error(logger).Log("op", "startup", "msg", "compiling -f deny regex", "pattern", denyPattern, "err", err)
			return exitSetupFailure
		}
	}

	bpfDir := os.Getenv("NEIGHSNOOPD_BPF_DIR")
	if bpfDir == "" {
		bpfDir = defaultBPFDir
	}
	targetNetworksMap, neighborRingbufMap, err := bpfstate.LoadPinnedMaps(bpfDir)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "loading pinned BPF maps", "dir", bpfDir, "err", err)
		return exitSetupFailure
	}
	defer targetNetworksMap.Close()
	defer neighborRingbufMap.Close()

	ringbufReader, err := bpfstate.NewRingbufReader(neighborRingbufMap)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "opening neighbor ring buffer", "err", err)
		return exitSetupFailure
	}
	defer ringbufReader.Close()

	registry := prometheus.NewRegistry()
	counters := stats.NewCounters(registry)

	c := cache.New(time.Now)
	registry.MustRegister(stats.NewCacheCollector(c))

	targets := bpfstate.NewTargetNetworks(targetNetworksMap)

	transport := scheduler.NewPacketTransport()
	sched, err := scheduler.New(transport, counters, logger)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "creating refresh scheduler", "err", err)
		return exitSetupFailure
	}
	defer sched.Close()

	engine := topology.New(topology.Config{
		MonitoredBridgeIfindex: bridge.Index,
		DenyRegex:              denyRegex,
		DisableIPv6LLFilter:    disableLLV6,
	}, c, targets, sched, logger, time.Now)

	nlSource, err := netlinkx.Open(logger)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "subscribing to netlink", "err", err)
		return exitSetupFailure
	}
	defer nlSource.Close()

	if err := replayInitialState(nlSource, engine, logger); err != nil {
		level.Error(logger).Log("op", "startup", "msg", "replaying initial kernel state", "err", err)
		return exitSetupFailure
	}

	corrCfg := correlator.Config{OnlyIPv4: ipv4Only, OnlyIPv6: ipv6Only}
	queue := &countingQueue{inner: nlSource, counters: counters}
	corr := correlator.New(corrCfg, c, sched, queue, counters, logger)
	if count > 0 {
		remaining := count
		corr.Remaining = &remaining
	}

	netlinkEvents := make(chan events.Event, 256)
	nlSource.Pump(netlinkEvents)
	netlinkWakeR, netlinkWakeW, err := os.Pipe()
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "creating netlink wakeup pipe", "err", err)
		return exitSetupFailure
	}
	defer netlinkWakeR.Close()
	defer netlinkWakeW.Close()

	netlinkQ := newWakeupQueue[events.Event](netlinkWakeW)
	go func() {
		for ev := range netlinkEvents {
			netlinkQ.push(ev)
		}
	}()

	replies := make(chan correlator.Reply, 256)
	go pumpReplies(ringbufReader, replies, logger)
	replyWakeR, replyWakeW, err := os.Pipe()
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "creating ring-buffer wakeup pipe", "err", err)
		return exitSetupFailure
	}
	defer replyWakeR.Close()
	defer replyWakeW.Close()

	replyQ := newWakeupQueue[correlator.Reply](replyWakeW)
	go func() {
		for r := range replies {
			replyQ.push(r)
		}
	}()

	h := loop.Handlers{
		OnSignal: func() bool {
			level.Info(logger).Log("op", "shutdown", "msg", "signal received, exiting")
			return true
		},
		OnTimer: func() {
			var buf [8]byte
			unix.Read(sched.FD(), buf[:])
			sched.Fire()
		},
		OnNetlink: func() {
			buf := make([]byte, 64)
			netlinkWakeR.Read(buf)
			for _, ev := range netlinkQ.drain() {
				if err := engine.Handle(ev); err != nil {
					level.Error(logger).Log("op", "netlink", "err", err)
				}
			}
		},
		OnReply: func() {
			buf := make([]byte, 64)
			replyWakeR.Read(buf)
			for _, r := range replyQ.drain() {
				counters.RepliesSeen.Inc()
				corr.Handle(r)
			}
			if corr.Remaining != nil && *corr.Remaining <= 0 {
				unix.Kill(os.Getpid(), syscall.SIGTERM)
			}
		},
		OnNetlinkFlush: func() error {
			return nlSource.Flush()
		},
	}

	l, err := loop.New(h)
	if err != nil {
		level.Error(logger).Log("op", "startup", "msg", "creating event loop", "err", err)
		return exitSetupFailure
	}
	defer l.Close()

	if err := l.RegisterTimer(sched.FD()); err != nil {
		level.Error(logger).Log("op", "startup", "msg", "registering scheduler timerfd", "err", err)
		return exitSetupFailure
	}
	if err := l.RegisterNetlink(int(netlinkWakeR.Fd())); err != nil {
		level.Error(logger).Log("op", "startup", "msg", "registering netlink wakeup fd", "err", err)
		return exitSetupFailure
	}
	if err := l.RegisterRingbuf(int(replyWakeR.Fd())); err != nil {
		level.Error(logger).Log("op", "startup", "msg", "registering ring-buffer wakeup fd", "err", err)
		return exitSetupFailure
	}

	// Run blocks until SIGINT/SIGTERM; the deferred Close calls above then
	// unwind in LIFO order (epoll, wakeup pipes, netlink, scheduler's
	// timerfd and packet sockets together, ring buffer, pinned BPF maps),
	// matching spec.md §5's reverse-of-setup teardown list. The stats
	// server and its client sockets are external collaborators (spec.md
	// §1) with nothing of ours left to close.
	if err := l.Run(); err != nil {
		level.Error(logger).Log("op", "run", "err", err)
		return exitRuntimeFailure
	}
	return exitOK
}

// replayInitialState replays the kernel's current links, addresses and
// neighbor/FDB tables as synthetic Add events before raising the three
// readiness flags (spec.md §4.2 "Initialization gating", §8's "Readiness
// gating" invariant).
func replayInitialState(nlSource *netlinkx.Source, engine *topology.Engine, logger gokitlog.Logger) error {
	links, err := nlSource.InitialLinks()
	if err != nil {
		return fmt.Errorf("listing initial links: %w", err)
	}
	for _, ev := range links {
		if err := engine.Handle(ev); err != nil {
			level.Warn(logger).Log("op", "replay", "msg", "initial link", "err", err)
		}
	}
	engine.MarkLinksReady()

	addrs, err := nlSource.InitialAddrs()
	if err != nil {
		return fmt.Errorf("listing initial addresses: %w", err)
	}
	for _, ev := range addrs {
		if err := engine.Handle(ev); err != nil {
			level.Warn(logger).Log("op", "replay", "msg", "initial address", "err", err)
		}
	}
	engine.MarkNetworksReady()

	neighs, err := nlSource.InitialNeighs()
	if err != nil {
		return fmt.Errorf("listing initial neighbors: %w", err)
	}
	var fdbEvents, neighEvents []events.Event
	for _, ev := range neighs {
		if ev.Kind == events.FDBAdd {
			fdbEvents = append(fdbEvents, ev)
		} else {
			neighEvents = append(neighEvents, ev)
		}
	}
	for _, ev := range fdbEvents {
		if err := engine.Handle(ev); err != nil {
			level.Warn(logger).Log("op", "replay", "msg", "initial fdb entry", "err", err)
		}
	}
	engine.MarkFDBReady()

	for _, ev := range neighEvents {
		if err := engine.Handle(ev); err != nil {
			level.Warn(logger).Log("op", "replay", "msg", "initial neighbor", "err", err)
		}
	}
	return nil
}

// pumpReplies drains the ring buffer into replies until the reader is
// closed during shutdown.
func pumpReplies(r *bpfstate.RingbufReader, replies chan<- correlator.Reply, logger gokitlog.Logger) {
	defer close(replies)
	for {
		reply, err := r.Read()
		if errors.Is(err, os.ErrClosed) {
			level.Debug(logger).Log("op", "ringbuf", "msg", "reader closed", "err", err)
			return
		}
		if err != nil {
			level.Warn(logger).Log("op", "ringbuf", "msg", "dropping unreadable record", "err", err)
			continue
		}
		replies <- reply
	}
}

// countingQueue wraps netlinkx.Source's NeighAddQueue implementation to
// record the enqueue in stats (spec.md §8's observable "netlink NEIGH_ADD
// enqueued" scenario), without requiring internal/correlator or
// internal/netlinkx to import internal/stats themselves.
type countingQueue struct {
	inner    *netlinkx.Source
	counters *stats.Counters
}

func (q *countingQueue) Enqueue(req correlator.NeighAddRequest) {
	q.counters.NeighAddsEnqueued.Inc()
	q.inner.Enqueue(req)
}

// wakeupQueue bridges a channel-based source (netlink events, ring-buffer
// replies) into the single wakeup byte internal/loop's epoll fd expects:
// push appends under lock and signals the paired pipe; drain hands back
// everything queued since the last call. The same shape is needed twice
// (netlink events, ring-buffer replies), hence the type parameter rather
// than two hand-duplicated copies.
type wakeupQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	wakeFD *os.File
}

func newWakeupQueue[T any](wakeFD *os.File) *wakeupQueue[T] {
	return &wakeupQueue[T]{wakeFD: wakeFD}
}

func (q *wakeupQueue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wakeFD.Write([]byte{0})
}

func (q *wakeupQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
