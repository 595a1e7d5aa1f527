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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joolli/neighsnoopd/internal/correlator"
)

func TestDecodeReplyIPv4(t *testing.T) {
	b := make([]byte, replyRecordSize)
	byteOrder.PutUint32(b[0:4], 0) // family ipv4
	byteOrder.PutUint16(b[4:6], 10)
	byteOrder.PutUint32(b[8:12], 7)
	copy(b[12:18], []byte{2, 0, 0, 0, 0, 9})
	copy(b[20:36], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 10, 0, 0, 5})

	r, err := decodeReply(b)
	require.NoError(t, err)
	assert.Equal(t, correlator.FamilyIPv4, r.Family)
	assert.Equal(t, uint16(10), r.VlanID)
	assert.Equal(t, uint32(7), r.NetworkID)
	assert.Equal(t, "10.0.0.5", r.IP.String())
}

func TestDecodeReplyRejectsShortRecord(t *testing.T) {
	_, err := decodeReply(make([]byte, 4))
	assert.Error(t, err)
}
