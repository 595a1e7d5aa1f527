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

import "github.com/joolli/neighsnoopd/internal/ident"

// FDB is an externally-learned bridge forwarding-database record. It exists
// only to suppress action on replies the bridge merely relayed — spec.md §3,
// §9 "Externally-learned semantics".
type FDB struct {
	MAC     ident.MAC
	Ifindex int
	VlanID  uint16
	Link    *Link
}

// FDBKey is the composite key of the fdb table: (mac, ifindex, vlan_id).
type FDBKey struct {
	MAC     ident.MAC
	Ifindex int
	VlanID  uint16
}

func (f *FDB) key() FDBKey {
	return FDBKey{MAC: f.MAC, Ifindex: f.Ifindex, VlanID: f.VlanID}
}
