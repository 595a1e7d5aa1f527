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

package bpfstate

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/joolli/neighsnoopd/internal/correlator"
	"github.com/joolli/neighsnoopd/internal/ident"
)

// replyRecordSize is the wire size of one neighbor_ringbuf record:
// family(4) + vlan_id(2) + pad(2) + network_id(4) + mac(6) + pad(2) +
// ip(16), matching the eBPF classifier's packed C struct (spec.md §4.3).
const replyRecordSize = 4 + 2 + 2 + 4 + 6 + 2 + 16

// RingbufReader wraps a *ringbuf.Reader over the classifier's
// neighbor_ringbuf map, decoding each record into a correlator.Reply.
type RingbufReader struct {
	r *ringbuf.Reader
}

// NewRingbufReader opens m (the compiled object's
// Maps["neighbor_ringbuf"], loaded by the out-of-scope attach step) for
// reading.
func NewRingbufReader(m *ebpf.Map) (*RingbufReader, error) {
	r, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening neighbor ringbuf: %w", err)
	}
	return &RingbufReader{r: r}, nil
}

// FD returns the underlying epoll-compatible fd for registration with
// internal/loop (spec.md §5).
func (r *RingbufReader) FD() int {
	return r.r.Fd()
}

// Read blocks for the next available record and decodes it. It returns
// ringbuf.ErrClosed once Close has been called, which the loop treats as
// a clean shutdown signal rather than an error.
func (r *RingbufReader) Read() (correlator.Reply, error) {
	rec, err := r.r.Read()
	if err != nil {
		return correlator.Reply{}, err
	}
	return decodeReply(rec.RawSample)
}

func decodeReply(b []byte) (correlator.Reply, error) {
	if len(b) < replyRecordSize {
		return correlator.Reply{}, fmt.Errorf("short ringbuf record: %d bytes", len(b))
	}

	family := byteOrder.Uint32(b[0:4])
	vlanID := byteOrder.Uint16(b[4:6])
	networkID := byteOrder.Uint32(b[8:12])

	var mac ident.MAC
	copy(mac[:], b[12:18])

	var ip ident.IP
	copy(ip[:], b[20:36])

	f := correlator.FamilyIPv4
	if family == 1 {
		f = correlator.FamilyIPv6
	}

	return correlator.Reply{
		Family:    f,
		VlanID:    vlanID,
		NetworkID: networkID,
		MAC:       mac,
		IP:        ip,
	}, nil
}

// Close stops the ring-buffer reader, unblocking any pending Read.
func (r *RingbufReader) Close() error {
	return r.r.Close()
}
