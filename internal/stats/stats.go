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

// Package stats exposes the daemon's process-local counters and gauges
// to a prometheus.Registry. The (external, out-of-scope) stats-export
// socket server of spec.md §6/§1 is the only consumer; this package does
// not listen on anything itself.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joolli/neighsnoopd/internal/cache"
)

const namespace = "neighsnoopd"

// Counters holds every monotonic counter the daemon maintains. Record
// methods are the only writers; a (external) stats server reads them
// indirectly through the registry.
type Counters struct {
	RepliesSeen       prometheus.Counter
	RepliesSuppressed prometheus.Counter
	NeighAddsEnqueued prometheus.Counter
	ProbesSent        prometheus.Counter
	ProbeErrors       prometheus.Counter
}

// NewCounters constructs and registers Counters against reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		RepliesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_seen_total",
			Help:      "Total number of ring-buffer reply records observed",
		}),
		RepliesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_suppressed_total",
			Help:      "Total number of replies dropped as bridge-relayed or unmatched",
		}),
		NeighAddsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neigh_adds_enqueued_total",
			Help:      "Total number of netlink NEIGH_ADD requests enqueued by the correlator",
		}),
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total number of refresh probes (ARP request or NDP NS) sent",
		}),
		ProbeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Total number of refresh probe send failures",
		}),
	}
	reg.MustRegister(c.RepliesSeen, c.RepliesSuppressed, c.NeighAddsEnqueued, c.ProbesSent, c.ProbeErrors)
	return c
}

// CacheCollector adapts a *cache.Cache to prometheus.Collector, reporting
// the live size of each of the four owning indices, plus the number of
// link-network bindings, as gauges (spec.md
// §3/§8's "debuggable" framing, made concrete as metrics rather than the
// log lines spec.md leaves unspecified).
type CacheCollector struct {
	cache *cache.Cache

	links        *prometheus.Desc
	networks     *prometheus.Desc
	linkNetworks *prometheus.Desc
	fdbEntries   *prometheus.Desc
	neighbors    *prometheus.Desc
}

// NewCacheCollector returns a Collector reading live counts from c on
// every scrape; register it with prometheus.Register.
func NewCacheCollector(c *cache.Cache) *CacheCollector {
	return &CacheCollector{
		cache:        c,
		links:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "links"), "Number of cached links", nil, nil),
		networks:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "networks"), "Number of cached networks", nil, nil),
		linkNetworks: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "link_networks"), "Number of cached link-network bindings", nil, nil),
		fdbEntries:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "fdb_entries"), "Number of cached bridge FDB entries", nil, nil),
		neighbors:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "neighbors"), "Number of tracked neighbors", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.links
	ch <- c.networks
	ch <- c.linkNetworks
	ch <- c.fdbEntries
	ch <- c.neighbors
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.links, prometheus.GaugeValue, float64(c.cache.LinkCount()))
	ch <- prometheus.MustNewConstMetric(c.networks, prometheus.GaugeValue, float64(c.cache.NetworkCount()))
	ch <- prometheus.MustNewConstMetric(c.linkNetworks, prometheus.GaugeValue, float64(countLinkNetworks(c.cache)))
	ch <- prometheus.MustNewConstMetric(c.fdbEntries, prometheus.GaugeValue, float64(c.cache.FDBCount()))
	ch <- prometheus.MustNewConstMetric(c.neighbors, prometheus.GaugeValue, float64(c.cache.NeighborCount()))
}

func countLinkNetworks(c *cache.Cache) int {
	total := 0
	for _, n := range c.NetworkAll() {
		total += n.Refcnt()
	}
	return total
}
