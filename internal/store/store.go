// Package store is the configuration source of the relay: providers,
// endpoints, API keys, prices, system settings, request filters, error rules
// and sensitive words, persisted in SQLite.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Filter scopes.
const (
	ScopeGlobal   = "global"
	ScopeProvider = "provider"
)

// Filter targets and actions.
const (
	TargetHeader = "header"
	TargetBody   = "body"

	ActionSet    = "set"
	ActionRemove = "remove"
)

// Filter is one request rewrite applied before forwarding.
type Filter struct {
	ID         int64  `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Scope      string `mapstructure:"scope"`       // global | provider
	ProviderID int64  `mapstructure:"provider_id"` // provider scope only
	Target     string `mapstructure:"target"`      // header | body
	Action     string `mapstructure:"action"`      // set | remove
	Key        string `mapstructure:"key"`         // header name or gjson/sjson path
	Value      string `mapstructure:"value"`       // JSON literal or plain string for body sets
	Priority   int    `mapstructure:"priority"`
	Enabled    bool   `mapstructure:"enabled"`
}

// Error rule match types.
const (
	MatchContains = "contains"
	MatchRegex    = "regex"
)

// ErrorRule marks upstream error bodies that no retry will fix.
type ErrorRule struct {
	ID        int64  `mapstructure:"id"`
	Pattern   string `mapstructure:"pattern"`
	MatchType string `mapstructure:"match_type"`
	Enabled   bool   `mapstructure:"enabled"`
}

// HashKey returns the hex SHA-256 of an API key, the form keys are stored in.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
