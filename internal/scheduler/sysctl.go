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
	"os"
	"strconv"
	"strings"
)

// baseReachableTimeMS reads /proc/sys/net/{ipv4,ipv6}/neigh/<ifname>/base_reachable_time_ms
// (spec.md §4.4/§6). Plain file I/O is the right tool here, not a
// library concern, so this stays on the standard library.
func baseReachableTimeMS(ifname string, ipv6 bool) (int64, error) {
	family := "ipv4"
	if ipv6 {
		family = "ipv6"
	}
	path := fmt.Sprintf("/proc/sys/net/%s/neigh/%s/base_reachable_time_ms", family, ifname)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}
