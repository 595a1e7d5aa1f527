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

// Package bpfstate wraps the in-kernel classifier's two eBPF maps: the
// target-networks lookup map the topology engine maintains (spec.md
// §4.2) and the neighbor ring buffer the correlator reads from (spec.md
// §4.3). The eBPF program itself — attaching the TC/XDP classifier,
// loading the compiled object — is out of scope (spec.md §1); this
// package only talks to the two maps cilium/ebpf exposes once attached.
package bpfstate

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/joolli/neighsnoopd/internal/ident"
)

// targetKey is the eBPF map key: (prefixlen, network_address), matching
// the classifier's longest-prefix-match lookup (spec.md §4.2's "install
// into the target-networks map").
type targetKey struct {
	PrefixLen uint32
	Address   [16]byte
}

// targetValue is the eBPF map value: the Network's id, so the
// classifier's ring-buffer record can carry network_id without the
// kernel side needing any other cache state (spec.md §4.3).
type targetValue struct {
	NetworkID uint32
}

// TargetNetworks wraps a *ebpf.Map pinned/loaded by the (out-of-scope)
// attach step, implementing topology.TargetNetworks.
type TargetNetworks struct {
	m *ebpf.Map
}

// NewTargetNetworks wraps an already-loaded map (obtained from the
// compiled object's Maps["target_networks"] by the out-of-scope attach
// step).
func NewTargetNetworks(m *ebpf.Map) *TargetNetworks {
	return &TargetNetworks{m: m}
}

func (t *TargetNetworks) Install(prefixLen int, network ident.IP, networkID uint32) error {
	key := targetKey{PrefixLen: uint32(prefixLen), Address: network}
	val := targetValue{NetworkID: networkID}
	if err := t.m.Put(key, val); err != nil {
		return fmt.Errorf("installing target network %s/%d: %w", network, prefixLen, err)
	}
	return nil
}

func (t *TargetNetworks) Remove(prefixLen int, network ident.IP) error {
	key := targetKey{PrefixLen: uint32(prefixLen), Address: network}
	if err := t.m.Delete(key); err != nil {
		return fmt.Errorf("removing target network %s/%d: %w", network, prefixLen, err)
	}
	return nil
}

// byteOrder is the encoding cilium/ebpf uses to marshal map keys/values
// on this platform when a type isn't already a fixed-size struct of
// sized fields; kept explicit here since the ring-buffer decoder in
// ringbuf.go needs the same order.
var byteOrder = binary.LittleEndian
