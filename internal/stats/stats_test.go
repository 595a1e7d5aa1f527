// Copyright 2024 Acnodal Inc.
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

package stats

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCounters(reg)
	c.RepliesSeen.Inc()
	c.RepliesSeen.Inc()

	m := &dto.Metric{}
	require.NoError(t, c.RepliesSeen.Write(m))
	assert.Equal(t, float64(2), m.GetCounter().GetValue())
}

func TestCacheCollectorReportsLiveCounts(t *testing.T) {
	cc := cache.New(func() time.Time { return time.Now() })
	link := &cache.Link{Ifindex: 1, Ifname: "br0", IsSVI: true}
	cc.LinkInsert(link)
	n := &cache.Network{ID: cc.NextNetworkID(), Address: ident.IPFrom(net.ParseIP("10.0.0.0")), PrefixLen: 24}
	require.True(t, cc.NetworkInsert(n))
	cc.LinkNetworkInsert(&cache.LinkNetwork{Link: link, Network: n, IP: ident.IPFrom(net.ParseIP("10.0.0.1"))})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCacheCollector(cc)))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.Metric[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(1), got["neighsnoopd_links"])
	assert.Equal(t, float64(1), got["neighsnoopd_networks"])
	assert.Equal(t, float64(1), got["neighsnoopd_link_networks"])
}
