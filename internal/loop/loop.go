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

// Package loop is the single-threaded epoll multiplexer of spec.md §5: it
// owns one epoll instance over the signal pipe, the refresh scheduler's
// timerfd, the netlink event wakeup, the eBPF ring-buffer fd and the
// (external, out-of-scope) stats socket server's listener and client
// fds, and drives them in the fixed handler order spec.md §5 specifies.
package loop

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// kind tags a registered fd with its place in the handler-priority order
// (spec.md §5): signal, timer, netlink, ring-buffer, stats listener,
// stats client. Outbound netlink flush has no fd of its own — it always
// runs once per iteration, right after the netlink/ring-buffer handlers.
type kind int

const (
	kindSignal kind = iota
	kindTimer
	kindNetlink
	kindRingbuf
	kindStatsListener
	kindStatsClient
)

// Handlers are the per-iteration callbacks, invoked in spec.md §5's
// exact order when their fd is ready: signal, timer, netlink, ring
// buffer, outbound netlink flush, stats accept, stats write.
type Handlers struct {
	// OnSignal runs when SIGINT/SIGTERM arrives; a true return requests
	// an orderly exit after the current iteration (spec.md §5).
	OnSignal func() (exit bool)
	OnTimer  func()
	// OnNetlink drains and handles every currently-queued decoded event.
	OnNetlink func()
	// OnReply drains and handles every currently-available ring-buffer
	// record.
	OnReply        func()
	OnNetlinkFlush func() error
	OnStatsAccept  func() (clientFD int, ok bool)
	OnStatsWrite   func(clientFD int)
}

// Loop is the epoll-driven event dispatcher. The zero value is not
// usable; construct with New.
type Loop struct {
	epfd     int
	sigR     *os.File
	fdKinds  map[int]kind
	handlers Handlers
}

// New creates the epoll instance and the signal self-pipe, and registers
// SIGINT/SIGTERM with the Go signal package (spec.md §5 treats raw
// signalfd construction as external plumbing; the self-pipe pattern
// gives the same single-fd-in-epoll shape without hand-rolled sigset
// syscalls).
func New(h Handlers) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}

	sigR, sigW, err := os.Pipe()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating signal pipe: %w", err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			sigW.Write([]byte{0})
		}
	}()

	l := &Loop{epfd: epfd, sigR: sigR, fdKinds: make(map[int]kind), handlers: h}
	if err := l.register(int(sigR.Fd()), kindSignal); err != nil {
		return nil, err
	}
	return l, nil
}

// RegisterTimer, RegisterNetlink and RegisterRingbuf add the scheduler's
// timerfd, the netlink wakeup fd, and the ring-buffer epoll fd
// respectively (spec.md §5's event sources).
func (l *Loop) RegisterTimer(fd int) error  { return l.register(fd, kindTimer) }
func (l *Loop) RegisterNetlink(fd int) error { return l.register(fd, kindNetlink) }
func (l *Loop) RegisterRingbuf(fd int) error { return l.register(fd, kindRingbuf) }

// RegisterStatsListener adds the (external, out-of-scope) stats socket
// server's listening fd.
func (l *Loop) RegisterStatsListener(fd int) error { return l.register(fd, kindStatsListener) }

// RegisterStatsClient adds an accepted stats client connection; call
// UnregisterStatsClient when the connection closes.
func (l *Loop) RegisterStatsClient(fd int) error { return l.register(fd, kindStatsClient) }

func (l *Loop) UnregisterStatsClient(fd int) error {
	delete(l.fdKinds, fd)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *Loop) register(fd int, k kind) error {
	l.fdKinds[fd] = k
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("registering fd %d: %w", fd, err)
	}
	return nil
}

// Run blocks, dispatching one epoll_wait-driven iteration at a time
// until OnSignal requests exit (returning nil), or OnNetlinkFlush or
// epoll_wait fails (returning the error).
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		ready := make(map[kind]bool)
		var statsClientFDs []int
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			k, ok := l.fdKinds[fd]
			if !ok {
				continue
			}
			ready[k] = true
			if k == kindStatsClient {
				statsClientFDs = append(statsClientFDs, fd)
			}
			if k == kindSignal {
				var b [1]byte
				l.sigR.Read(b[:])
			}
		}

		if ready[kindSignal] {
			if l.handlers.OnSignal != nil && l.handlers.OnSignal() {
				return nil
			}
		}
		if ready[kindTimer] && l.handlers.OnTimer != nil {
			l.handlers.OnTimer()
		}
		if ready[kindNetlink] && l.handlers.OnNetlink != nil {
			l.handlers.OnNetlink()
		}
		if ready[kindRingbuf] && l.handlers.OnReply != nil {
			l.handlers.OnReply()
		}
		if l.handlers.OnNetlinkFlush != nil {
			if err := l.handlers.OnNetlinkFlush(); err != nil {
				return fmt.Errorf("flushing netlink queue: %w", err)
			}
		}
		if ready[kindStatsListener] && l.handlers.OnStatsAccept != nil {
			if fd, ok := l.handlers.OnStatsAccept(); ok {
				l.RegisterStatsClient(fd)
			}
		}
		for _, fd := range statsClientFDs {
			if l.handlers.OnStatsWrite != nil {
				l.handlers.OnStatsWrite(fd)
			}
		}
	}
}

// Close releases the epoll instance and the signal pipe. Callers are
// expected to close the scheduler, bpf maps, netlink subscriptions and
// cache-owning resources themselves, in spec.md §5's reverse-of-setup
// teardown order (epoll → stats → timerfd → bpf → netlink → signals →
// cache → packet → filters): Close handles only the epoll and signal
// steps of that list.
func (l *Loop) Close() error {
	if err := unix.Close(l.epfd); err != nil {
		return err
	}
	return l.sigR.Close()
}
