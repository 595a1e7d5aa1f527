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
	"net"
	"testing"
	"time"

	gokitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joolli/neighsnoopd/internal/cache"
	"github.com/joolli/neighsnoopd/internal/ident"
)

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) Send(ifindex int, frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func testNeighbor(ip string, mac byte) *cache.Neighbor {
	link := &cache.Link{Ifindex: 3, Ifname: "br0.10", MAC: ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, 1})}
	ln := &cache.LinkNetwork{Link: link, IP: ident.IPFrom(net.ParseIP("10.0.0.1"))}
	return &cache.Neighbor{
		Ifindex:            3,
		IP:                 ident.IPFrom(net.ParseIP(ip)),
		MAC:                ident.MACFrom(net.HardwareAddr{2, 0, 0, 0, 0, mac}),
		SendingLinkNetwork: ln,
	}
}

func TestArmSetsTimerAndRearms(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(transport, nil, gokitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	n := testNeighbor("10.0.0.5", 5)
	s.Arm(n)

	assert.NotNil(t, n.Timer)
	assert.Equal(t, 1, s.heap.Len())
}

func TestCancelPreventsFire(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(transport, nil, gokitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	n := testNeighbor("10.0.0.5", 5)
	s.Arm(n)
	s.Cancel(n)
	assert.Nil(t, n.Timer)

	s.now = func() time.Time { return fixed.Add(time.Hour) }
	s.Fire()
	assert.Empty(t, transport.sent)
}

func TestFireSendsProbeAndClearsTimer(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(transport, nil, gokitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	n := testNeighbor("10.0.0.5", 5)
	s.Arm(n)

	s.now = func() time.Time { return fixed.Add(time.Hour) }
	s.Fire()

	assert.Nil(t, n.Timer)
	require.Len(t, transport.sent, 1)
}

func TestProbeNowDoesNotArmTimer(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(transport, nil, gokitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	n := testNeighbor("10.0.0.5", 5)
	s.ProbeNow(n)

	assert.Nil(t, n.Timer)
	require.Len(t, transport.sent, 1)
}

func TestIPv6NeighborSendsNSProbe(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(transport, nil, gokitlog.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	n := testNeighbor("fd00::5", 6)
	s.ProbeNow(n)
	require.Len(t, transport.sent, 1)
}
