// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/throttle/pkg/limits/limitdb"
)

func TestParseCatalog(t *testing.T) {
	catalog, err := limitdb.ParseCatalog(limitdb.DefaultActions)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"apiCalls", "blocks", "likes", "messages", "notifications", "profileUpdates", "reports",
	}, catalog.Actions())

	messages, err := catalog.Lookup("messages")
	require.NoError(t, err)
	assert.Equal(t, limitdb.ActionConfig{Limit: 60, Window: time.Minute}, messages)
	assert.Equal(t, int64(60000), messages.WindowMillis())

	likes, err := catalog.Lookup("likes")
	require.NoError(t, err)
	assert.Equal(t, limitdb.ActionConfig{Limit: 100, Window: time.Hour}, likes)

	_, err = catalog.Lookup("unknown")
	require.Error(t, err)
	assert.True(t, limitdb.ConfigError.Has(err))
}

func TestParseCatalog_error(t *testing.T) {
	for _, tt := range []struct {
		desc    string
		entries []string
	}{
		{desc: "empty", entries: nil},
		{desc: "missing limit", entries: []string{"messages"}},
		{desc: "missing window", entries: []string{"messages=60"}},
		{desc: "bad limit", entries: []string{"messages=sixty/1m"}},
		{desc: "bad window", entries: []string{"messages=60/soon"}},
		{desc: "zero limit", entries: []string{"messages=0/1m"}},
		{desc: "negative limit", entries: []string{"messages=-1/1m"}},
		{desc: "sub-second window", entries: []string{"messages=1/500ms"}},
		{desc: "fractional window", entries: []string{"messages=1/1500ms"}},
		{desc: "separator in name", entries: []string{"a/b=1/1m"}},
		{desc: "duplicate", entries: []string{"messages=1/1m", "messages=2/1m"}},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := limitdb.ParseCatalog(tt.entries)
			require.Error(t, err)
			assert.True(t, limitdb.ConfigError.Has(err))
		})
	}
}

func TestNewCatalog_immutable(t *testing.T) {
	actions := map[string]limitdb.ActionConfig{
		"messages": {Limit: 3, Window: time.Minute},
	}
	catalog, err := limitdb.NewCatalog(actions)
	require.NoError(t, err)

	actions["messages"] = limitdb.ActionConfig{Limit: 100, Window: time.Hour}
	actions["likes"] = limitdb.ActionConfig{Limit: 1, Window: time.Second}

	config, err := catalog.Lookup("messages")
	require.NoError(t, err)
	assert.Equal(t, 3, config.Limit)

	_, err = catalog.Lookup("likes")
	assert.Error(t, err)
}
