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
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/ndp"
)

// buildARPProbe assembles a directed (not broadcast) ARP request frame:
// sender = srcMAC/srcIP (the SVI's own address), target-hardware-address
// zero, target IP = the neighbor being refreshed. Ethernet destination is
// the neighbor's cached MAC, per spec.md §4.4 — this is a verification
// probe, not classical resolution, so it is never broadcast.
//
// Grounded on the teacher's sendGARP (mdlayher/arp.NewPacket +
// mdlayher/ethernet.Frame), with ethernet.Broadcast replaced by the
// cached neighbor MAC.
func buildARPProbe(srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	pkt, err := arp.NewPacket(arp.OperationRequest, srcMAC, srcIP, ethernet.Broadcast, targetIP)
	if err != nil {
		return nil, fmt.Errorf("assembling arp probe: %w", err)
	}
	// arp.NewPacket always stamps a target hardware address; spec.md §4.4
	// requires it zeroed, so overwrite it after construction.
	pkt.TargetHardwareAddr = make(net.HardwareAddr, 6)

	payload, err := pkt.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling arp probe: %w", err)
	}

	frame := &ethernet.Frame{
		Destination: dstMAC,
		Source:      srcMAC,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     payload,
	}
	return frame.MarshalBinary()
}

// buildNSProbe assembles a directed IPv6 Neighbor Solicitation frame per
// spec.md §4.4/§8: hop limit 255, a Source Link-Layer Address option, and
// an ICMPv6 checksum computed by hand over the standard pseudo-header —
// mdlayher/ndp.Conn assumes an ICMPv6 PacketConn, which a raw AF_PACKET
// socket is not, so the IPv6 header and checksum are built here instead.
func buildNSProbe(srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	ns := &ndp.NeighborSolicitation{
		TargetAddress: targetIP,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{
				Direction: ndp.Source,
				Addr:      srcMAC,
			},
		},
	}
	icmp, err := ndp.MarshalMessage(ns)
	if err != nil {
		return nil, fmt.Errorf("marshaling neighbor solicitation: %w", err)
	}

	dstIP := targetIP // a directed probe, not the solicited-node multicast address.
	setICMPv6Checksum(icmp, srcIP, dstIP)

	ipHeader := buildIPv6Header(srcIP, dstIP, len(icmp), 58)
	payload := append(ipHeader, icmp...)

	frame := &ethernet.Frame{
		Destination: dstMAC,
		Source:      srcMAC,
		EtherType:   ethernet.EtherTypeIPv6,
		Payload:     payload,
	}
	return frame.MarshalBinary()
}

// buildIPv6Header constructs a minimal 40-byte IPv6 header: version 6,
// traffic class and flow label zero, hop limit 255 as RFC 4861 requires
// for all Neighbor Discovery traffic.
func buildIPv6Header(src, dst net.IP, payloadLen int, nextHeader byte) []byte {
	h := make([]byte, 40)
	h[0] = 0x60 // version 6, traffic class high nibble 0
	binary.BigEndian.PutUint16(h[4:6], uint16(payloadLen))
	h[6] = nextHeader
	h[7] = 255 // hop limit
	copy(h[8:24], src.To16())
	copy(h[24:40], dst.To16())
	return h
}

// setICMPv6Checksum computes the standard IPv6 pseudo-header checksum
// (src, dst, upper-layer length, 3 reserved zero bytes, next-header 58)
// over icmp and patches it into icmp[2:4] in place (spec.md §4.4/§8).
func setICMPv6Checksum(icmp []byte, src, dst net.IP) {
	icmp[2] = 0
	icmp[3] = 0

	var sum uint32
	sum += pseudoHeaderSum(src, dst, len(icmp), 58)
	sum += checksumBytes(icmp)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(icmp[2:4], cs)
}

func pseudoHeaderSum(src, dst net.IP, upperLen int, nextHeader byte) uint32 {
	buf := make([]byte, 40)
	copy(buf[0:16], src.To16())
	copy(buf[16:32], dst.To16())
	binary.BigEndian.PutUint32(buf[32:36], uint32(upperLen))
	buf[39] = nextHeader
	return checksumBytes(buf)
}

func checksumBytes(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}
