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
	"path/filepath"

	"github.com/cilium/ebpf"
)

// LoadPinnedMaps opens the two maps the (out-of-scope) classifier loader
// pins under dir once it attaches the TC/XDP program: target_networks and
// neighbor_ringbuf (spec.md §1, §6). The core never loads or attaches the
// BPF object itself — it only talks to the maps by their well-known pinned
// paths, matching spec.md's "appear in §6 only as the interfaces the core
// consumes".
func LoadPinnedMaps(dir string) (targetNetworks, neighborRingbuf *ebpf.Map, err error) {
	targetNetworks, err = ebpf.LoadPinnedMap(filepath.Join(dir, "target_networks"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("loading pinned target_networks map: %w", err)
	}
	neighborRingbuf, err = ebpf.LoadPinnedMap(filepath.Join(dir, "neighbor_ringbuf"), nil)
	if err != nil {
		targetNetworks.Close()
		return nil, nil, fmt.Errorf("loading pinned neighbor_ringbuf map: %w", err)
	}
	return targetNetworks, neighborRingbuf, nil
}
