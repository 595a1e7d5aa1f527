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

package scheduler

import (
	"fmt"
	"net"

	"github.com/mdlayher/packet"
)

// Transport sends a fully-assembled Ethernet frame out ifindex. The
// production implementation binds one raw AF_PACKET/SOCK_RAW socket per
// ifindex, lazily, and reuses it across probes (spec.md §4.4: "Send via a
// raw packet socket bound by sll_ifindex = ...").
type Transport interface {
	Send(ifindex int, frame []byte) error
	Close() error
}

// PacketTransport is the Transport grounded on mdlayher/packet.Listen,
// the same library the rest of the pack (grimm-is-flywall,
// harsimran-pabla-cilium) pairs with mdlayher/ndp for raw L2 send.
type PacketTransport struct {
	conns map[int]*packet.Conn
}

// NewPacketTransport returns an empty PacketTransport; sockets are opened
// on first Send for a given ifindex.
func NewPacketTransport() *PacketTransport {
	return &PacketTransport{conns: make(map[int]*packet.Conn)}
}

func (t *PacketTransport) Send(ifindex int, frame []byte) error {
	conn, err := t.connFor(ifindex)
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(frame, &packet.Addr{HardwareAddr: broadcastPlaceholder})
	return err
}

// broadcastPlaceholder satisfies packet.Conn.WriteTo's addressing
// requirement; the real destination MAC is already encoded in the
// Ethernet frame header built by buildARPProbe/buildNSProbe, so the
// socket-level address is unused for an AF_PACKET SOCK_RAW send.
var broadcastPlaceholder = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (t *PacketTransport) connFor(ifindex int) (*packet.Conn, error) {
	if conn, ok := t.conns[ifindex]; ok {
		return conn, nil
	}
	ifi, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("resolving ifindex %d: %w", ifindex, err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, int(etherTypeAll), nil)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %s: %w", ifi.Name, err)
	}
	t.conns[ifindex] = conn
	return conn, nil
}

// etherTypeAll is ETH_P_ALL in host byte order as mdlayher/packet
// expects it (it performs its own htons internally).
const etherTypeAll = 0x0003

func (t *PacketTransport) Close() error {
	var firstErr error
	for _, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
