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

package cache

import (
	"time"

	"github.com/joolli/neighsnoopd/internal/ident"
)

// Network is one IP subnet the host serves on some SVI. spec.md §3.
type Network struct {
	ID             uint32
	Address        ident.IP
	PrefixLen      int
	TruePrefixLen  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	links []*LinkNetwork
}

// Refcnt returns len(Network.links), which spec.md §3/§8 requires to always
// equal the stored refcnt; we simply never store a separate counter so the
// invariant cannot drift.
func (n *Network) Refcnt() int {
	return len(n.links)
}

// Links returns the LinkNetwork bindings for this Network, copied for
// mutation-safe iteration (see spec.md §9's ADDR DEL open question).
func (n *Network) Links() []*LinkNetwork {
	out := make([]*LinkNetwork, len(n.links))
	copy(out, n.links)
	return out
}

func (n *Network) addLinkNetwork(ln *LinkNetwork) {
	n.links = append(n.links, ln)
}

func (n *Network) removeLinkNetwork(ln *LinkNetwork) {
	for i, cur := range n.links {
		if cur == ln {
			n.links = append(n.links[:i], n.links[i+1:]...)
			return
		}
	}
}

// LinkNetwork binds one Link to one Network, carrying the local IP the SVI
// owns on that network (the source address for outgoing probes). spec.md §3.
type LinkNetwork struct {
	Link    *Link
	Network *Network
	IP      ident.IP
}
