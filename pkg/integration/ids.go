// Package integration receives integration events idempotently and derives
// deterministic identifiers for the records they create.
package integration

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace scopes deterministic identifiers for one concept, for example
// "valuation.stock_valuation.v1". Bump the version suffix when the key
// composition changes.
type Namespace uuid.UUID

// NewNamespace derives the namespace for name from the URL namespace.
func NewNamespace(name string) Namespace {
	return Namespace(uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:bizsuite:"+name)))
}

// DeterministicID returns a uuid v5 identifier for keys within ns. Keys are
// trimmed and lower-cased before they are joined, so "SKU-1 " and "sku-1"
// name the same record.
func DeterministicID(ns Namespace, keys ...string) string {
	normalized := make([]string, len(keys))
	for i, key := range keys {
		normalized[i] = strings.ToLower(strings.TrimSpace(key))
	}
	return uuid.NewSHA1(uuid.UUID(ns), []byte(strings.Join(normalized, "\x1f"))).String()
}
