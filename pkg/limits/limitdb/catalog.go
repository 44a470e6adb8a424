// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// DefaultActions is the catalog the service enforces unless configured
// otherwise, in the form accepted by ParseCatalog.
var DefaultActions = []string{
	"messages=60/1m",
	"profileUpdates=10/1h",
	"likes=100/1h",
	"apiCalls=1000/1h",
	"notifications=60/1m",
	"reports=10/1h",
	"blocks=20/1h",
}

// ActionConfig is the limit of one action: at most Limit admitted events in
// any sliding Window.
type ActionConfig struct {
	Limit  int
	Window time.Duration
}

// WindowMillis returns the window in milliseconds.
func (c ActionConfig) WindowMillis() int64 {
	return c.Window.Milliseconds()
}

// Validate checks that the config is usable.
func (c ActionConfig) Validate() error {
	if c.Limit <= 0 {
		return errs.New("limit must be positive, was %d", c.Limit)
	}
	if c.Window < time.Second {
		return errs.New("window must be at least one second, was %s", c.Window)
	}
	if c.Window%time.Second != 0 {
		return errs.New("window must be a whole number of seconds, was %s", c.Window)
	}
	return nil
}

// Catalog maps action names to their limits. It is immutable once
// constructed and safe for concurrent use.
type Catalog struct {
	actions map[string]ActionConfig
}

// NewCatalog returns a catalog copied from actions after validating every
// entry.
func NewCatalog(actions map[string]ActionConfig) (*Catalog, error) {
	var group errs.Group

	copied := make(map[string]ActionConfig, len(actions))
	for name, config := range actions {
		if err := ValidateActionName(name); err != nil {
			group.Add(err)
			continue
		}
		if err := config.Validate(); err != nil {
			group.Add(errs.New("action %q: %v", name, err))
			continue
		}
		copied[name] = config
	}
	if err := group.Err(); err != nil {
		return nil, ConfigError.Wrap(err)
	}
	if len(copied) == 0 {
		return nil, ConfigError.New("catalog has no actions")
	}

	return &Catalog{actions: copied}, nil
}

// ParseCatalog parses entries of the form name=limit/window, e.g.
// "messages=60/1m".
func ParseCatalog(entries []string) (*Catalog, error) {
	var group errs.Group

	actions := make(map[string]ActionConfig, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, spec, ok := strings.Cut(entry, "=")
		if !ok {
			group.Add(errs.New("entry %q: expected name=limit/window", entry))
			continue
		}
		limitText, windowText, ok := strings.Cut(spec, "/")
		if !ok {
			group.Add(errs.New("entry %q: expected name=limit/window", entry))
			continue
		}

		limit, err := strconv.Atoi(strings.TrimSpace(limitText))
		if err != nil {
			group.Add(errs.New("entry %q: invalid limit: %v", entry, err))
			continue
		}
		window, err := time.ParseDuration(strings.TrimSpace(windowText))
		if err != nil {
			group.Add(errs.New("entry %q: invalid window: %v", entry, err))
			continue
		}

		name = strings.TrimSpace(name)
		if _, ok := actions[name]; ok {
			group.Add(errs.New("entry %q: duplicate action", entry))
			continue
		}
		actions[name] = ActionConfig{Limit: limit, Window: window}
	}
	if err := group.Err(); err != nil {
		return nil, ConfigError.Wrap(err)
	}

	return NewCatalog(actions)
}

// Lookup returns the config of action. Unknown actions are a ConfigError;
// there is no fallback limit.
func (c *Catalog) Lookup(action string) (ActionConfig, error) {
	config, ok := c.actions[action]
	if !ok {
		return ActionConfig{}, ConfigError.New("unknown action %q", action)
	}
	return config, nil
}

// Actions returns the sorted action names.
func (c *Catalog) Actions() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
