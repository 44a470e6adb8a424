// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"storj.io/throttle/pkg/limits/limitdb"
)

func TestKey(t *testing.T) {
	k := limitdb.Key{Subject: "user/with/slashes", Action: "messages"}
	require.NoError(t, k.Validate())
	assert.Equal(t, "messages/user/with/slashes", k.String())

	parsed, err := limitdb.ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, invalid := range []string{"", "messages", "/subject", "messages/"} {
		_, err := limitdb.ParseKey(invalid)
		assert.Error(t, err, invalid)
		assert.True(t, limitdb.KeyError.Has(err), invalid)
	}

	assert.Error(t, limitdb.Key{Subject: "s", Action: "a/b"}.Validate())
}

func TestRecordEncoding(t *testing.T) {
	r := &limitdb.Record{
		Requests:       []int64{1700000000000, 1700000000001, 1700000060000},
		FirstRequestAt: 1690000000000,
		LastRequestAt:  1700000060000,
		LastUpdate:     1700000060000,
	}

	decoded, err := limitdb.UnmarshalRecord(limitdb.MarshalRecord(r))
	require.NoError(t, err)
	assert.Equal(t, r, decoded)

	empty, err := limitdb.UnmarshalRecord(limitdb.MarshalRecord(&limitdb.Record{}))
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(&limitdb.Record{}, empty, cmpopts.EquateEmpty()))

	// unknown fields written by a newer version are skipped.
	b := limitdb.MarshalRecord(r)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	decoded, err = limitdb.UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)

	_, err = limitdb.UnmarshalRecord([]byte{0x0a, 0xff})
	require.Error(t, err)
	assert.True(t, limitdb.EncodingError.Has(err))
}

func TestRecordInWindow(t *testing.T) {
	r := &limitdb.Record{Requests: []int64{10, 20, 30, 40}}

	pruned := r.InWindow(20)
	assert.Equal(t, []int64{30, 40}, pruned)

	pruned[0] = 0
	assert.Equal(t, []int64{10, 20, 30, 40}, r.Requests, "InWindow must not alias")

	var missing *limitdb.Record
	assert.Empty(t, missing.InWindow(0))
	assert.Nil(t, missing.Clone())

	c := r.Clone()
	c.Requests[0] = 99
	assert.Equal(t, int64(10), r.Requests[0])
}
